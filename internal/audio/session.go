package audio

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Session is a platform capture session producing raw PCM in the negotiated format.
//
// Stop must be idempotent and safe to call from any goroutine; it unblocks a
// pending Read. Done is closed when the session is ended by something other
// than the reader, for example the user revoking capture permission.
type Session interface {
	MinBufferSize(format Format) (int, error)
	Start() error
	Read(p []byte) (int, error)
	Done() <-chan struct{}
	Stop() error
	Release() error
}

// Opener creates a capture session from platform authorization data.
type Opener interface {
	OpenSession(ctx context.Context, format Format) (Session, error)
}

type OpenerFunc func(ctx context.Context, format Format) (Session, error)

func (f OpenerFunc) OpenSession(ctx context.Context, format Format) (Session, error) {
	return f(ctx, format)
}

// Token is a single-use grant to open one capture session.
type Token struct {
	label    string
	opener   Opener
	redeemed atomic.Bool
}

func NewToken(label string, opener Opener) *Token {
	return &Token{label: label, opener: opener}
}

func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.label
}

func (t *Token) redeem(ctx context.Context, format Format) (Session, error) {
	if t == nil || t.opener == nil {
		return nil, fmt.Errorf("%w: invalid capture token", ErrCaptureUnavailable)
	}
	if !t.redeemed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: capture token %q already used", ErrCaptureUnavailable, t.label)
	}
	session, err := t.opener.OpenSession(ctx, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	return session, nil
}
