package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/tablemate/internal/booking"
	"github.com/user/tablemate/internal/types"
)

// ReservationServer serves the versioned reservation API over a
// booking.Service. Concurrent reservations of one slot are serialized by the
// store; exactly one succeeds and the rest get slot_unavailable.
type ReservationServer struct {
	svc     booking.Service
	limiter *clientLimiter
	replays *replayCache
	mux     *http.ServeMux
}

// NewReservationServer creates the reservation API. perMinute > 0 enables a
// per-client rate limit whose background cleanup stops when ctx ends.
func NewReservationServer(ctx context.Context, svc booking.Service, perMinute int) *ReservationServer {
	s := &ReservationServer{svc: svc, replays: newReplayCache(replayTTL), mux: http.NewServeMux()}
	if perMinute > 0 {
		s.limiter = newClientLimiter(ctx, perMinute, 0)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/restaurants", s.handleSearch)
	s.mux.HandleFunc("GET /v1/restaurants/{id}", s.handleDetails)
	s.mux.HandleFunc("POST /v1/reservations", s.handleReserve)
	s.mux.HandleFunc("GET /v1/reservations/{code}", s.handleLookup)
	s.mux.HandleFunc("DELETE /v1/reservations/{code}", s.handleCancel)
	return s
}

func (s *ReservationServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(clientAddr(r)) {
		writeEnvelopeError(w, http.StatusTooManyRequests, booking.CodeRateLimited, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal reservation response", "error", err)
		writeEnvelopeError(w, http.StatusInternalServerError, booking.CodeInternal, "internal error")
		return
	}
	writeJSON(w, status, booking.Envelope{Version: booking.APIVersion, Data: data})
}

func writeEnvelopeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, booking.Envelope{
		Version: booking.APIVersion,
		Error:   &booking.APIError{Code: code, Message: msg},
	})
}

// fail reports a booking error with its API code. Internal errors are logged
// and not echoed.
func fail(w http.ResponseWriter, op string, err error) {
	code, status := booking.ErrorCode(err)
	msg := err.Error()
	if code == booking.CodeInternal {
		slog.Error("reservation api", "op", op, "error", err)
		msg = "internal error"
	}
	writeEnvelopeError(w, status, code, msg)
}

func (s *ReservationServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ReservationServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := booking.Criteria{
		Query:    q.Get("q"),
		Cuisine:  q.Get("cuisine"),
		Location: q.Get("location"),
	}
	var err error
	if c.From, err = queryTime(q.Get("from")); err != nil {
		fail(w, "search", fmt.Errorf("from: %w", err))
		return
	}
	if c.To, err = queryTime(q.Get("to")); err != nil {
		fail(w, "search", fmt.Errorf("to: %w", err))
		return
	}
	if c.PartySize, err = queryInt(q.Get("party_size")); err != nil {
		fail(w, "search", fmt.Errorf("party_size: %w", err))
		return
	}
	if c.Limit, err = queryInt(q.Get("limit")); err != nil {
		fail(w, "search", fmt.Errorf("limit: %w", err))
		return
	}

	results, err := s.svc.Search(r.Context(), c)
	if err != nil {
		fail(w, "search", err)
		return
	}
	if results == nil {
		results = []booking.SearchResult{}
	}
	writeEnvelope(w, http.StatusOK, results)
}

func queryTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not RFC3339", types.ErrInvalidToolArguments, v)
	}
	return t, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", types.ErrInvalidToolArguments, v)
	}
	return n, nil
}

func (s *ReservationServer) handleDetails(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, "details", err)
		return
	}
	writeEnvelope(w, http.StatusOK, res)
}

func (s *ReservationServer) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req booking.ReserveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		fail(w, "reserve", fmt.Errorf("%w: invalid JSON body", types.ErrInvalidToolArguments))
		return
	}
	req.IdempotencyKey = r.Header.Get(booking.IdempotencyHeader)
	res, replayed, err := s.replays.reserveOnce(r.Context(), req, s.svc.Reserve)
	if err != nil {
		fail(w, "reserve", err)
		return
	}
	if replayed {
		slog.Debug("replaying reservation", "code", res.Code)
	}
	writeEnvelope(w, http.StatusCreated, res)
}

func (s *ReservationServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Reservation(r.Context(), r.PathValue("code"))
	if err != nil {
		fail(w, "lookup", err)
		return
	}
	writeEnvelope(w, http.StatusOK, res)
}

func (s *ReservationServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Cancel(r.Context(), r.PathValue("code"))
	if err != nil {
		fail(w, "cancel", err)
		return
	}
	writeEnvelope(w, http.StatusOK, res)
}
