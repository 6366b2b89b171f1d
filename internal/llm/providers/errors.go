package providers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// classify turns a vendor SDK error into an *llm.RetryableError so the
// session can decide whether to back off
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return llm.NewRetryableError(fmt.Errorf("%s: %w", provider, err), gErr.Code)
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return llm.NewRetryableError(fmt.Errorf("%s: %w", provider, err), gErrPtr.Code)
	}

	var aErr *anthropic.Error
	if errors.As(err, &aErr) {
		return wrapStatus(provider, err, aErr.StatusCode, aErr.Response)
	}

	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return wrapStatus(provider, err, oErr.StatusCode, oErr.Response)
	}

	return llm.ClassifyError(fmt.Errorf("%s: %w", provider, err))
}

func wrapStatus(provider string, err error, code int, resp *http.Response) error {
	wrapped := fmt.Errorf("%s: %w", provider, err)
	if resp != nil {
		return llm.WrapHTTPError(wrapped, resp)
	}
	return llm.NewRetryableError(wrapped, code)
}
