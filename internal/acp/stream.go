package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acplink/internal/jsonrpc"
	"github.com/gaspardpetit/acplink/internal/metrics"
)

// PromptStream yields the updates of one prompt turn in the order the agent
// sent them, followed by a terminal PromptResult.
//
// Updates are queued without bound so the transport read goroutine never
// blocks on a slow consumer.
type PromptStream struct {
	sessionID   string
	log         zerolog.Logger
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
	// grace is how long a successful session/prompt response waits for
	// session/prompt_complete before standing in for it. Zero disables.
	grace time.Duration

	mu     sync.Mutex
	queue  []Update
	done   bool
	result *PromptResult
	err    error
	wake   chan struct{}
	ended  chan struct{}

	rpcResult  *PromptResult
	graceTimer *time.Timer
}

func newPromptStream(sessionID string, log zerolog.Logger, cancel context.CancelFunc, grace time.Duration) *PromptStream {
	return &PromptStream{
		sessionID:   sessionID,
		log:         log,
		cancel:      cancel,
		grace:       grace,
		unsubscribe: func() {},
		wake:        make(chan struct{}, 1),
		ended:       make(chan struct{}),
	}
}

// SessionID returns the session the stream belongs to.
func (s *PromptStream) SessionID() string { return s.sessionID }

// Next returns the next update. After the last update it returns io.EOF and
// Result holds the outcome; a failed turn returns its error instead.
func (s *PromptStream) Next(ctx context.Context) (Update, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			u := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return u, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			s.release()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed once the turn has a terminal outcome, whether or not the
// consumer has drained the queued updates.
func (s *PromptStream) Done() <-chan struct{} { return s.ended }

// Result returns the terminal result once Next has returned io.EOF.
func (s *PromptStream) Result() *PromptResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Close abandons the stream and unsubscribes it from the transport. It does
// not cancel the turn on the agent.
func (s *PromptStream) Close() {
	s.finish(nil, ErrStreamClosed)
	s.release()
}

func (s *PromptStream) release() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cancel()
	})
}

func (s *PromptStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PromptStream) push(u Update) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		s.log.Debug().Str("kind", u.Kind()).Msg("update after end of turn dropped")
		return
	}
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	metrics.RecordPromptUpdate(u.Kind())
	s.signal()
}

// finish records the terminal outcome. Only the first call wins.
func (s *PromptStream) finish(res *PromptResult, err error) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.done = true
	s.result = res
	s.err = err
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	close(s.ended)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *PromptStream) handle(n jsonrpc.Notification) {
	switch n.Method {
	case MethodSessionUpdate:
		var p sessionNotification
		if err := json.Unmarshal(n.Params, &p); err != nil {
			s.log.Warn().Err(err).Msg("malformed session/update")
			return
		}
		if p.SessionID != s.sessionID {
			return
		}
		u, err := DecodeUpdate(p.Update)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable update")
			return
		}
		s.push(u)
	case MethodPromptComplete:
		var p promptComplete
		if err := json.Unmarshal(n.Params, &p); err != nil {
			s.log.Warn().Err(err).Msg("malformed session/prompt_complete")
			return
		}
		if p.SessionID != s.sessionID {
			return
		}
		res := p.Result
		if !s.finish(&res, nil) {
			s.log.Debug().Str("stop_reason", string(res.StopReason)).Msg("prompt_complete after end of turn ignored")
			return
		}
		s.mu.Lock()
		rpc := s.rpcResult
		s.mu.Unlock()
		if rpc != nil {
			logMismatch(s.log, *rpc, res)
		}
	}
}

// finishRPC handles the session/prompt response. Only a failure ends the
// stream here; session/prompt_complete is authoritative for the result. A
// successful response is kept for comparison and, after the grace period
// without a completion, ends the turn in its place.
func (s *PromptStream) finishRPC(raw json.RawMessage, err error) {
	if err != nil {
		if !s.finish(nil, fmt.Errorf("%s: %w", MethodSessionPrompt, err)) {
			s.log.Debug().Err(err).Msg("prompt request ended after stream terminated")
		}
		return
	}
	var res PromptResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &res); err != nil {
			s.log.Warn().Err(err).Msg("undecodable session/prompt result")
		}
	}
	if res.StopReason == "" {
		return
	}
	s.mu.Lock()
	if s.done {
		first := s.result
		s.mu.Unlock()
		if first != nil {
			logMismatch(s.log, res, *first)
		}
		return
	}
	s.rpcResult = &res
	if s.grace > 0 {
		s.graceTimer = time.AfterFunc(s.grace, s.completeFromRPC)
	}
	s.mu.Unlock()
}

func (s *PromptStream) completeFromRPC() {
	s.mu.Lock()
	res := s.rpcResult
	s.mu.Unlock()
	if res != nil && s.finish(res, nil) {
		s.log.Warn().Dur("grace", s.grace).Str("stop_reason", string(res.StopReason)).
			Msg("no prompt_complete received; ending turn from session/prompt response")
	}
}

func logMismatch(log zerolog.Logger, rpc, completion PromptResult) {
	if rpc.StopReason != completion.StopReason {
		log.Warn().
			Str("response", string(rpc.StopReason)).
			Str("prompt_complete", string(completion.StopReason)).
			Msg("stop reason mismatch; keeping prompt_complete")
	}
}
