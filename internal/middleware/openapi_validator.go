package middleware

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API document.
func OpenAPISpec() []byte {
	return openAPISpec
}

// OpenAPIValidatorConfig holds configuration for OpenAPI validation middleware
type OpenAPIValidatorConfig struct {
	Enabled bool
	// Spec overrides the embedded document.
	Spec              []byte
	ValidateRequests  bool
	ValidateResponses bool
	SkipPaths         []string
}

func DefaultOpenAPIValidatorConfig(enabled bool) *OpenAPIValidatorConfig {
	return &OpenAPIValidatorConfig{
		Enabled:           enabled,
		ValidateRequests:  true,
		ValidateResponses: false,
		SkipPaths: []string{
			"/health",
			"/metrics",
			"/ws/",
		},
	}
}

// LoadOpenAPI parses and validates spec, falling back to the embedded document.
func LoadOpenAPI(spec []byte) (*openapi3.T, routers.Router, error) {
	if len(spec) == 0 {
		spec = openAPISpec
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, nil, fmt.Errorf("OpenAPI spec validation failed: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	return doc, router, nil
}

// OpenAPIValidator validates requests, and optionally responses, against the API
// document. A broken document disables validation rather than the API.
func OpenAPIValidator(config *OpenAPIValidatorConfig) func(next http.Handler) http.Handler {
	if config == nil {
		config = DefaultOpenAPIValidatorConfig(true)
	}

	passthrough := func(next http.Handler) http.Handler { return next }

	if !config.Enabled {
		slog.Info("OpenAPI validation disabled")
		return passthrough
	}

	_, router, err := LoadOpenAPI(config.Spec)
	if err != nil {
		slog.Error("OpenAPI validation unavailable", slog.String("error", err.Error()))
		return passthrough
	}

	slog.Info("OpenAPI validation enabled",
		slog.Bool("validate_requests", config.ValidateRequests),
		slog.Bool("validate_responses", config.ValidateResponses))

	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		MultiError:         false,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkipPath(r.URL.Path, config.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				if config.ValidateRequests {
					slog.Warn("request path not found in OpenAPI spec",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path))
					writeValidationError(w, fmt.Sprintf("Path not found in OpenAPI spec: %s %s", r.Method, r.URL.Path))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    options,
			}

			if config.ValidateRequests {
				if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
					slog.Warn("request validation failed",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()))
					writeValidationError(w, fmt.Sprintf("Request validation failed: %s", err.Error()))
					return
				}
			}

			if !config.ValidateResponses {
				next.ServeHTTP(w, r)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			responseInput := &openapi3filter.ResponseValidationInput{
				RequestValidationInput: input,
				Status:                 recorder.statusCode,
				Header:                 recorder.Header(),
				Body:                   io.NopCloser(bytes.NewReader(recorder.body)),
				Options:                options,
			}
			// the response is already written; only log
			if err := openapi3filter.ValidateResponse(r.Context(), responseInput); err != nil {
				slog.Warn("response validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", recorder.statusCode),
					slog.String("error", err.Error()))
			}
		})
	}
}

func shouldSkipPath(path string, skipPaths []string) bool {
	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusBadRequest, map[string]string{
		"error":  message,
		"reason": "invalid_request",
	})
}

// responseRecorder wraps http.ResponseWriter to capture response data
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}
