package dispatch

import (
	"fmt"

	"github.com/lightning-goats/cl-hive-sub002/errs"
)

func errIdentityMismatch(claimed, transport string) error {
	return fmt.Errorf("%w: envelope claims %s over transport from %s", errs.IdentityMismatch, claimed, transport)
}

func errUnauthenticated(peerID string) error {
	return fmt.Errorf("%w: %s has not completed handshake", errs.UnauthenticatedPeer, peerID)
}

func errBanned(peerID string) error {
	return fmt.Errorf("%w: %s", errs.BannedPeer, peerID)
}
