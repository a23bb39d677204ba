package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/txpool/legacypool"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"
)

var (
	// ErrTransient marks a submission error worth retrying on the same channel.
	ErrTransient = errors.New("transient submission error")
	// ErrStale marks a submission that can no longer land, e.g. because its nonce was used.
	ErrStale = errors.New("stale submission")
	// ErrAllChannelsExhausted is reported when every channel failed a bundle.
	ErrAllChannelsExhausted = errors.New("all submission channels exhausted")
)

func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func Stale(err error) error {
	return fmt.Errorf("%w: %w", ErrStale, err)
}

var staleErrs = []error{
	core.ErrNonceTooLow,
}

var transientErrs = []error{
	core.ErrNonceTooHigh,
	txpool.ErrUnderpriced,
	txpool.ErrReplaceUnderpriced,
	legacypool.ErrTxPoolOverflow,
}

// isAlreadyKnown reports whether the node already has the transaction.
func isAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(err.Error(), txpool.ErrAlreadyKnown.Error())
}

// classify wraps err as stale or transient when it is recognized as such.
// Anything else is terminal for the channel.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrStale) {
		return err
	}
	// Nodes and relays return these as plain strings.
	msg := err.Error()
	for _, e := range staleErrs {
		if strings.Contains(msg, e.Error()) {
			return Stale(err)
		}
	}
	for _, e := range transientErrs {
		if strings.Contains(msg, e.Error()) {
			return Transient(err)
		}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && retryableStatus(httpErr.StatusCode) {
		return Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// ChannelError is the final error of one channel for a bundle.
type ChannelError struct {
	Channel ChannelName
	Err     error
}

func (e *ChannelError) Error() string {
	return string(e.Channel) + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ExhaustedError carries the errors of every channel that failed a bundle.
type ExhaustedError struct {
	Errs *multierror.Error
}

func (e *ExhaustedError) Error() string {
	if e.Errs == nil {
		return ErrAllChannelsExhausted.Error()
	}
	return ErrAllChannelsExhausted.Error() + ": " + e.Errs.Error()
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllChannelsExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Errs
}
