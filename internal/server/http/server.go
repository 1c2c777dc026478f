// Package httpserver exposes the operator surface: execution commands,
// session status, indicator variant management and platform health.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/coordinator"
	"github.com/quantfabric/tradecore/internal/execution"
	"github.com/quantfabric/tradecore/internal/indicator"
	"github.com/quantfabric/tradecore/internal/risk"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/strategy"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	commandsPath    = "/commands"
	sessionPath     = "/sessions/current"
	healthPath      = "/health"
	variantsPath    = "/indicators/variants"
	variantPrefix   = variantsPath + "/"
	baseTypesPath   = "/indicators/base-types"
	strategiesPath  = "/strategies"
	riskBudgetPath  = "/risk/budget"
	coordinatorPath = "/coordinator/status"
)

// Command names accepted on the commands endpoint.
const (
	CmdStartBacktest       = "START_BACKTEST"
	CmdStartTrading        = "START_TRADING"
	CmdStartDataCollection = "START_DATA_COLLECTION"
	CmdStopExecution       = "STOP_EXECUTION"
	CmdPauseExecution      = "PAUSE_EXECUTION"
	CmdResumeExecution     = "RESUME_EXECUTION"
)

// Executor is the slice of the execution controller the server drives.
type Executor interface {
	Start(ctx context.Context, req execution.StartRequest) (string, error)
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Status() (*schema.ExecutionSession, bool)
}

// SourceFactory builds the data source for a start command. The server never
// constructs sources itself; wiring decides what a backtest replays from and
// what feed live trading uses.
type SourceFactory func(req CommandRequest, mode schema.SessionMode) (execution.DataSource, error)

// CommandRequest is the body of the commands endpoint. Mode-specific fields
// are ignored by commands that do not use them.
type CommandRequest struct {
	Command         string             `json:"command"`
	Mode            string             `json:"mode,omitempty"`
	Symbols         []string           `json:"symbols,omitempty"`
	Strategies      []schema.Strategy  `json:"strategies,omitempty"`
	Indicators      []IndicatorBinding `json:"indicators,omitempty"`
	SourceSessionID string             `json:"source_session_id,omitempty"`
	ArchiveDir      string             `json:"archive_dir,omitempty"`
	From            time.Time          `json:"from,omitempty"`
	To              time.Time          `json:"to,omitempty"`
	Parameters      map[string]any     `json:"parameters,omitempty"`
}

// IndicatorBinding binds a variant to a symbol; an empty symbol binds the
// variant to every session symbol.
type IndicatorBinding struct {
	Symbol    string `json:"symbol,omitempty"`
	VariantID string `json:"variant_id"`
}

// CommandResponse is the uniform command envelope.
type CommandResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Deps wires the server's collaborators. Nil optionals disable their
// endpoints gracefully.
type Deps struct {
	Executor    Executor
	Sources     SourceFactory
	Bus         bus.Bus
	Variants    *indicator.VariantRegistry
	Registry    *indicator.Registry
	Strategies  *strategy.Evaluator
	Risk        *risk.Manager
	Coordinator *coordinator.Coordinator
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type server struct {
	deps Deps
}

// NewHandler builds the operator HTTP handler.
func NewHandler(deps Deps) http.Handler {
	s := &server{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(commandsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.handleCommand,
	}))
	mux.Handle(sessionPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getSession,
	}))
	mux.Handle(healthPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getHealth,
	}))
	mux.Handle(variantsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  s.listVariants,
		http.MethodPost: s.createVariant,
	}))
	mux.Handle(variantPrefix, http.HandlerFunc(s.handleVariant))
	mux.Handle(baseTypesPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.listBaseTypes,
	}))
	mux.Handle(strategiesPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.listStrategies,
	}))
	mux.Handle(riskBudgetPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getRiskBudget,
	}))
	mux.Handle(coordinatorPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getCoordinatorStatus,
	}))

	return mux
}

func (s *server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	switch strings.ToUpper(strings.TrimSpace(req.Command)) {
	case CmdStartBacktest:
		s.startSession(w, r, req, schema.ModeBacktest)
	case CmdStartTrading:
		mode := schema.ModePaper
		if strings.EqualFold(req.Mode, string(schema.ModeLive)) {
			mode = schema.ModeLive
		}
		s.startSession(w, r, req, mode)
	case CmdStartDataCollection:
		s.startSession(w, r, req, schema.ModeDataCollection)
	case CmdStopExecution:
		s.lifecycleCommand(w, r, s.deps.Executor.Stop)
	case CmdPauseExecution:
		s.lifecycleCommand(w, r, s.deps.Executor.Pause)
	case CmdResumeExecution:
		s.lifecycleCommand(w, r, s.deps.Executor.Resume)
	default:
		writeCommand(w, http.StatusBadRequest, CommandResponse{
			Success:   false,
			Error:     "unknown command " + req.Command,
			ErrorType: string(errs.CodeInvalid),
		})
	}
}

func (s *server) startSession(w http.ResponseWriter, r *http.Request, req CommandRequest, mode schema.SessionMode) {
	if s.deps.Sources == nil {
		writeCommand(w, http.StatusServiceUnavailable, CommandResponse{
			Success: false, Error: "no data source configured", ErrorType: string(errs.CodeUnavailable),
		})
		return
	}
	source, err := s.deps.Sources(req, mode)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	indicators := make([]execution.IndicatorRequest, 0, len(req.Indicators))
	for _, binding := range req.Indicators {
		indicators = append(indicators, execution.IndicatorRequest{
			Symbol:    binding.Symbol,
			VariantID: binding.VariantID,
		})
	}

	sessionID, err := s.deps.Executor.Start(r.Context(), execution.StartRequest{
		Mode:       mode,
		Symbols:    req.Symbols,
		Strategies: req.Strategies,
		Indicators: indicators,
		Source:     source,
		Parameters: req.Parameters,
	})
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeCommand(w, http.StatusOK, CommandResponse{Success: true, SessionID: sessionID})
}

func (s *server) lifecycleCommand(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	sessionID := ""
	if session, ok := s.deps.Executor.Status(); ok {
		sessionID = session.SessionID
	}
	if err := op(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeCommand(w, http.StatusOK, CommandResponse{Success: true, SessionID: sessionID})
}

func (s *server) writeCommandError(w http.ResponseWriter, err error) {
	writeCommand(w, statusFor(err), CommandResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorType: string(errs.CodeOf(err)),
	})
}

func (s *server) getSession(w http.ResponseWriter, _ *http.Request) {
	session, ok := s.deps.Executor.Status()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *server) getHealth(w http.ResponseWriter, _ *http.Request) {
	_, active := s.deps.Executor.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":            s.deps.Bus.HealthCheck(),
		"session_active": active,
	})
}

type variantPayload struct {
	BaseType    string         `json:"base_type"`
	VariantType string         `json:"variant_type,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

func (s *server) listVariants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"variants": s.deps.Variants.List()})
}

func (s *server) createVariant(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload variantPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	variant, err := s.deps.Variants.Create(
		strings.TrimSpace(payload.BaseType),
		schema.VariantType(payload.VariantType),
		payload.Parameters,
		strings.TrimSpace(payload.CreatedBy),
	)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, variant)
}

func (s *server) handleVariant(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, variantPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "variant id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		variant, err := s.deps.Variants.Get(id)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, variant)
	case http.MethodDelete:
		if err := s.deps.Variants.Delete(id); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "variant_id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet)
	}
}

func (s *server) listBaseTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"base_types": s.deps.Registry.Names()})
}

func (s *server) listStrategies(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Strategies == nil {
		writeJSON(w, http.StatusOK, map[string]any{"strategies": []schema.Strategy{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.deps.Strategies.Active()})
}

func (s *server) getRiskBudget(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Risk.Summary())
}

func (s *server) getCoordinatorStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
		return
	}
	breakers := make(map[string]coordinator.BreakerState)
	for _, symbol := range s.deps.Coordinator.ActiveSymbols() {
		breakers[symbol] = s.deps.Coordinator.CircuitBreakerState(symbol)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rate_limit":       s.deps.Coordinator.RateLimitStatus(),
		"circuit_breakers": breakers,
	})
}

// statusFor maps error envelope codes onto HTTP statuses.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeConflict, errs.CodeState:
		return http.StatusConflict
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, out any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	return json.NewDecoder(r.Body).Decode(out)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeCommand(w http.ResponseWriter, status int, resp CommandResponse) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
