package session

import (
	"errors"
	"fmt"

	"battleship-p2p/internal/channel"
	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/zk"
)

var (
	ErrTransport  = errors.New("transport failure")
	ErrPeerClosed = errors.New("peer closed the match")
	ErrProtocol   = errors.New("protocol violation")

	// local misuse; the session is left as it was
	ErrPhase           = errors.New("not allowed in this phase")
	ErrInvalidShot     = errors.New("shot is off the board")
	ErrAlreadyTargeted = errors.New("cell already targeted")
)

// CloseError carries the reason a peer gave when it ended the match.
type CloseError struct {
	Reason string
}

func (e *CloseError) Error() string { return fmt.Sprintf("peer closed the match: %s", e.Reason) }

func (e *CloseError) Is(target error) bool { return target == ErrPeerClosed }

var fatal = []error{
	ErrTransport, ErrPeerClosed, ErrProtocol,
	channel.ErrAuth, channel.ErrSequence,
	commit.ErrCommitmentMismatch,
	zk.ErrProofGeneration, zk.ErrProofVerification,
}

// classify makes sure every fatal error names its kind. Anything unknown came
// from the transport or a deadline.
func classify(err error) error {
	for _, known := range fatal {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, channel.ErrHandshake) || errors.Is(err, codec.ErrInvalidPayload) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
