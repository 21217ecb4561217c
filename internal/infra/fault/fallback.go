package fault

import "fmt"

// Fallback strategies, one per category.
const (
	StrategyStaleCache      = "stale-cache"
	StrategyRetryLater      = "retry-later"
	StrategyReauthenticate  = "reauthenticate"
	StrategyFixInput        = "fix-input"
	StrategySimplifiedRules = "simplified-rules"
	StrategyContactSupport  = "contact-support"
)

var fallbackStrategies = map[Category]struct {
	strategy string
	message  string
}{
	CategoryNetwork:        {StrategyStaleCache, "Live data is unavailable, showing the last known result"},
	CategoryRateLimit:      {StrategyRetryLater, "Too many requests, try again shortly"},
	CategoryAuthentication: {StrategyReauthenticate, "Sign in again to continue"},
	CategoryValidation:     {StrategyFixInput, "The request was rejected, check the input"},
	CategoryBusinessLogic:  {StrategySimplifiedRules, "Using simplified rules until the full calculation is available"},
	CategorySystem:         {StrategyContactSupport, "The service is unavailable, contact support if this persists"},
}

// FallbackProvider supplies a degraded payload for an operation. It
// returns false when it has nothing to offer for err.
type FallbackProvider func(err *ClassifiedError) (any, bool)

// FallbackResult is the degraded substitute for a failed operation.
type FallbackResult struct {
	OperationID string           `json:"operation_id"`
	Strategy    string           `json:"strategy"`
	Message     string           `json:"message"`
	Data        any              `json:"data,omitempty"`
	Error       *ClassifiedError `json:"error"`
}

// RegisterFallback installs a payload provider for operationID, replacing
// any previous one.
func (h *Handler) RegisterFallback(operationID string, p FallbackProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallbacks[operationID] = p
}

// DefaultFallbackProvider serves operations that have no provider of their
// own.
type DefaultFallbackProvider func(operationID string, err *ClassifiedError) (any, bool)

// SetDefaultFallback installs the provider used for operations without a
// registered one.
func (h *Handler) SetDefaultFallback(p DefaultFallbackProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultFallback = p
}

// HandleWithFallback classifies err for operationID and returns a degraded
// result shaped by its category. It never fails; a panicking provider is
// treated as having no payload.
func (h *Handler) HandleWithFallback(operationID string, err error) FallbackResult {
	ce := h.Classify(err, map[string]any{"operation": operationID})

	s, ok := fallbackStrategies[ce.Category]
	if !ok {
		s = fallbackStrategies[CategorySystem]
	}
	res := FallbackResult{
		OperationID: operationID,
		Strategy:    s.strategy,
		Message:     s.message,
		Error:       ce,
	}

	h.mu.Lock()
	provider, ok := h.fallbacks[operationID]
	if def := h.defaultFallback; !ok && def != nil {
		provider = func(ce *ClassifiedError) (any, bool) { return def(operationID, ce) }
	}
	h.mu.Unlock()

	if provider != nil {
		if data, ok := h.callProvider(operationID, provider, ce); ok {
			res.Data = data
		}
	}
	return res
}

func (h *Handler) callProvider(operationID string, p FallbackProvider, ce *ClassifiedError) (data any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Fallback provider panicked", "operation", operationID, "panic", fmt.Sprint(r))
			data, ok = nil, false
		}
	}()
	return p(ce)
}
