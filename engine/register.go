// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/audiosession/session"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// RegisterTimeout bounds single REGISTER including digest challenge
var RegisterTimeout = 30 * time.Second

type RegisterResponseError struct {
	RegisterReq *sip.Request
	RegisterRes *sip.Response

	Msg string
}

func (e *RegisterResponseError) StatusCode() int {
	return int(e.RegisterRes.StatusCode)
}

func (e RegisterResponseError) Error() string {
	return e.Msg
}

// Registration keeps account registered with registrar until Unregister.
// All outcomes are reported as RegistrationState events.
type Registration struct {
	e      *Engine
	client *sipgo.Client
	log    zerolog.Logger
	origin *sip.Request

	username string
	password string
	// RetryInterval overrides re-register interval derived from expiry
	RetryInterval time.Duration

	mu      sync.Mutex
	expiry  time.Duration
	contact sip.ContactHeader
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRegistration(e *Engine) *Registration {
	account := e.conf.Account
	recipient := sip.Uri{Scheme: "sip", Host: account.Host, Port: account.Port}
	req := sip.NewRequest(sip.REGISTER, recipient)

	from := &sip.FromHeader{DisplayName: e.conf.DisplayName, Address: account, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	to := &sip.ToHeader{DisplayName: e.conf.DisplayName, Address: account, Params: sip.NewParams()}
	req.AppendHeader(to)

	contact := e.contact
	req.AppendHeader(&contact)
	expires := sip.ExpiresHeader(e.conf.Expires.Seconds())
	req.AppendHeader(&expires)
	e.route(req)

	username := e.conf.Username
	if username == "" {
		username = account.User
	}

	return &Registration{
		e:        e,
		client:   e.client,
		log:      e.log.With().Str("caller", "register").Logger(),
		origin:   req,
		username: username,
		password: e.conf.Password,
		expiry:   e.conf.Expires,
		contact:  contact,
	}
}

// Register sends REGISTER in background and keeps refreshing it
func (r *Registration) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("already registering")
	}

	ctx, cancel := context.WithCancel(r.e.ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done

	r.e.wg.Add(1)
	go func() {
		defer r.e.wg.Done()
		defer close(done)
		r.run(ctx)
	}()
	return nil
}

func (r *Registration) run(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.failed(err)
		return
	}
	r.registered()

	r.mu.Lock()
	retry := r.calcRetry(r.expiry)
	r.mu.Unlock()
	if err := r.reregisterLoop(ctx, retry); err != nil && ctx.Err() == nil {
		r.failed(err)
	}
}

func (r *Registration) registered() {
	r.mu.Lock()
	contact, expiry := r.contact, r.expiry
	r.mu.Unlock()

	r.log.Info().Str("contact", contact.Address.String()).Dur("expiry", expiry).Msg("Registered")
	r.metric("registered")
	r.e.handler(session.RegistrationState{
		State:   session.RegistrationRegistered,
		Code:    200,
		Reason:  "OK",
		Contact: contact.Address.String(),
		Expires: int(expiry.Seconds()),
	})
}

func (r *Registration) failed(err error) {
	code, reason := registerErrorCode(err)
	r.log.Info().Err(err).Int("code", code).Msg("Register failed")
	r.metric("failed")
	r.e.handler(session.RegistrationState{
		State:  session.RegistrationFailed,
		Code:   code,
		Reason: reason,
	})
}

func (r *Registration) metric(outcome string) {
	if r.e.conf.Metrics != nil {
		r.e.conf.Metrics.RegistrationResult(outcome)
	}
}

func registerErrorCode(err error) (int, string) {
	var resErr *RegisterResponseError
	if errors.As(err, &resErr) {
		return resErr.StatusCode(), resErr.RegisterRes.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 408, "Request Timeout"
	}
	return 408, err.Error()
}

func (r *Registration) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, RegisterTimeout)
	defer cancel()

	req := r.origin
	contact := *req.Contact().Clone()

	r.e.tracer.Request(traceOut, req)
	res, err := r.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("fail to create transaction req=%q: %w", req.StartLine(), err)
	}
	r.e.tracer.Response(traceIn, res)

	via := res.Via()
	if via == nil {
		return fmt.Errorf("no Via header in response")
	}

	// https://datatracker.ietf.org/doc/html/rfc3581#section-9
	if rport, _ := via.Params.Get("rport"); rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			contact.Address.Port = p
		}
		if received, _ := via.Params.Get("received"); received != "" {
			contact.Address.Host = received
		}
		req.ReplaceHeader(&contact)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = r.digestAuth(ctx, req, res)
		if err != nil {
			return fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
		}
		r.e.tracer.Response(traceIn, res)
	}

	if res.StatusCode != 200 {
		return &RegisterResponseError{
			RegisterReq: req,
			RegisterRes: res,
			Msg:         res.StartLine(),
		}
	}

	expiry, err := responseExpiry(res, r.e.conf.Expires)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.expiry = expiry
	r.contact = contact
	r.mu.Unlock()
	return nil
}

// digestAuth answers 401/407 challenge and waits final response of new transaction
func (r *Registration) digestAuth(ctx context.Context, req *sip.Request, chal *sip.Response) (*sip.Response, error) {
	tx, err := r.client.DoDigestAuth(ctx, req, chal, sipgo.DigestAuth{
		Username: r.username,
		Password: r.password,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	r.e.tracer.Request(traceOut, req)

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// responseExpiry reads server granted expiry from Expires header or Contact param
func responseExpiry(res *sip.Response, def time.Duration) (time.Duration, error) {
	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return 0, fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		return time.Duration(val) * time.Second, nil
	}
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if val, err := strconv.Atoi(v); err == nil {
				return time.Duration(val) * time.Second, nil
			}
		}
	}
	return def, nil
}

func (r *Registration) reregisterLoop(ctx context.Context, retry time.Duration) error {
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r.mu.Lock()
		expiry := r.expiry
		r.mu.Unlock()

		r.origin.RemoveHeader("Via")
		if err := r.register(ctx); err != nil {
			return err
		}

		r.mu.Lock()
		newExpiry := r.expiry
		r.mu.Unlock()
		if newExpiry != expiry {
			retry = r.calcRetry(newExpiry)
			r.log.Info().Dur("expiry_old", expiry).Dur("expiry_new", newExpiry).Dur("retry", retry).Msg("Register expiry changed")
			ticker.Reset(retry)
		}
	}
}

func (r *Registration) calcRetry(expiry time.Duration) time.Duration {
	if r.RetryInterval != 0 {
		return r.RetryInterval
	}

	calc := expiry.Seconds() * 0.75
	retry := time.Duration(calc) * time.Second

	// Set to 30 in case retry is not set
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

// Unregister stops refreshing and removes all our bindings in background
func (r *Registration) Unregister() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	r.e.wg.Add(1)
	go func() {
		defer r.e.wg.Done()
		if cancel != nil {
			cancel()
			<-done
		}
		code, reason := r.unregister()
		r.metric("unregistered")
		r.e.handler(session.RegistrationState{
			State:  session.RegistrationUnregistered,
			Code:   code,
			Reason: reason,
		})
	}()
	return nil
}

func (r *Registration) unregister() (int, string) {
	ctx, cancel := context.WithTimeout(context.Background(), RegisterTimeout)
	defer cancel()

	req := r.origin
	req.RemoveHeader("Via")
	req.RemoveHeader("Expires")
	req.RemoveHeader("Contact")
	req.AppendHeader(sip.NewHeader("Contact", "*"))
	expires := sip.ExpiresHeader(0)
	req.AppendHeader(&expires)

	r.e.tracer.Request(traceOut, req)
	res, err := r.client.Do(ctx, req)
	if err != nil {
		r.log.Info().Err(err).Msg("Unregister failed")
		return 408, err.Error()
	}
	r.e.tracer.Response(traceIn, res)

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = r.digestAuth(ctx, req, res)
		if err != nil {
			r.log.Info().Err(err).Msg("Unregister failed")
			return 408, err.Error()
		}
		r.e.tracer.Response(traceIn, res)
	}
	return int(res.StatusCode), res.Reason
}
