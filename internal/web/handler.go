package web

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/channel"
	"github.com/Shugur-Network/relayfetch/internal/domain"
	"github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/fetcher"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// requestOptions are the per-call knobs a client may set. Unset fields
// keep the server defaults.
type requestOptions struct {
	SkipVerification    *bool `json:"skip_verification,omitempty"`
	SkipFilterMatching  *bool `json:"skip_filter_matching,omitempty"`
	ReduceVerification  *bool `json:"reduce_verification,omitempty"`
	WithSeenOn          bool  `json:"with_seen_on,omitempty"`
	ReportEverySighting bool  `json:"report_every_sighting,omitempty"`
	LimitPerReq         int   `json:"limit_per_req,omitempty"`
	AbortTimeoutMs      int64 `json:"abort_timeout_ms,omitempty"`
}

func (ro requestOptions) apply(base fetcher.Options) *fetcher.Options {
	o := base
	if ro.SkipVerification != nil {
		o.SkipVerification = *ro.SkipVerification
	}
	if ro.SkipFilterMatching != nil {
		o.SkipFilterMatching = *ro.SkipFilterMatching
	}
	if ro.ReduceVerification != nil {
		o.ReduceVerification = *ro.ReduceVerification
	}
	o.WithSeenOn = ro.WithSeenOn
	o.ReportEverySighting = ro.ReportEverySighting
	if ro.LimitPerReq > 0 {
		o.LimitPerReq = ro.LimitPerReq
	}
	if ro.AbortTimeoutMs > 0 {
		o.AbortSubBeforeEoseTimeout = time.Duration(ro.AbortTimeoutMs) * time.Millisecond
	}
	return &o
}

type fetchRequest struct {
	Relays  []string         `json:"relays"`
	Filters []nostr.Filter   `json:"filters"`
	Since   *nostr.Timestamp `json:"since,omitempty"`
	Until   *nostr.Timestamp `json:"until,omitempty"`
	Options requestOptions   `json:"options"`
}

type latestRequest struct {
	Relays  []string       `json:"relays"`
	Filters []nostr.Filter `json:"filters"`
	Limit   int            `json:"limit"`
	Options requestOptions `json:"options"`
}

type perKeyRequest struct {
	KeyName string              `json:"key_name"`
	Keys    map[string][]string `json:"keys"`
	Filter  nostr.Filter        `json:"filter"`
	Limit   int                 `json:"limit"`
	Options requestOptions      `json:"options"`
}

// streamError is the last NDJSON line of a stream that failed midway.
type streamError struct {
	Error string `json:"error"`
}

// Handler serves the fetch API.
type Handler struct {
	fetcher  domain.Fetcher
	defaults fetcher.Options
	relays   []string
	maxBody  int64
	errs     *errors.ErrorMiddleware
	logger   *zap.Logger
}

// NewHandler creates the API handler. defaultRelays answer requests that
// name no relays.
func NewHandler(f domain.Fetcher, defaults fetcher.Options, defaultRelays []string, maxBody int64, logger *zap.Logger) *Handler {
	return &Handler{
		fetcher:  f,
		defaults: defaults,
		relays:   defaultRelays,
		maxBody:  maxBody,
		errs:     errors.NewErrorMiddleware(),
		logger:   logger,
	}
}

// HandleFetch streams every event in a time range as NDJSON.
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) error {
	var req fetchRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	recv, err := h.fetcher.AllEventsIterator(r.Context(), h.relayList(req.Relays), req.Filters,
		fetcher.TimeRange{Since: req.Since, Until: req.Until}, req.Options.apply(h.defaults))
	if err != nil {
		return err
	}
	streamNDJSON(w, r, recv, h.logger)
	return nil
}

// HandleLatest answers with the newest events as one JSON array.
func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) error {
	var req latestRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	events, err := h.fetcher.FetchLatestEvents(r.Context(), h.relayList(req.Relays), req.Filters, req.Limit, req.Options.apply(h.defaults))
	if err != nil {
		return err
	}
	if events == nil {
		events = []*nostr.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		h.logger.Debug("Failed to write latest events", zap.Error(err))
	}
	return nil
}

// HandlePerKey streams one NDJSON line per key as soon as the key is done.
func (h *Handler) HandlePerKey(w http.ResponseWriter, r *http.Request) error {
	var req perKeyRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	recv, err := h.fetcher.FetchLatestEventsPerKey(r.Context(), req.KeyName, req.Keys, req.Filter, req.Limit, req.Options.apply(h.defaults))
	if err != nil {
		return err
	}
	streamNDJSON(w, r, recv, h.logger)
	return nil
}

func (h *Handler) relayList(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return h.relays
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Method != http.MethodPost {
		return errors.New(errors.ErrorTypeValidation, "METHOD_NOT_ALLOWED", "only POST is accepted").
			WithSeverity(errors.SeverityLow)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_BODY", "request body is not valid JSON").
			WithDetails(err.Error()).
			WithSeverity(errors.SeverityLow)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New(errors.ErrorTypeValidation, "INVALID_BODY", "request body must hold a single JSON object").
			WithSeverity(errors.SeverityLow)
	}
	return nil
}

// streamNDJSON writes every item as one line and flushes it. Once the
// status line is out errors can only be reported in-band.
func streamNDJSON[T any](w http.ResponseWriter, r *http.Request, recv *channel.Receiver[T], log *zap.Logger) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var sent int
	for item, err := range recv.All(r.Context()) {
		if err != nil {
			if r.Context().Err() == nil {
				_ = enc.Encode(streamError{Error: err.Error()})
			}
			log.Debug("Stream ended early", zap.Int("sent", sent), zap.Error(err))
			return
		}
		if err := enc.Encode(item); err != nil {
			log.Debug("Client went away", zap.Int("sent", sent), zap.Error(err))
			return
		}
		sent++
		if flusher != nil {
			flusher.Flush()
		}
	}
	log.Debug("Stream finished", zap.Int("sent", sent))
}
