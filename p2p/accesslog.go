package p2p

import (
	"os"

	"github.com/sirupsen/logrus"
)

// accessLog is a second, purely textual log stream recording connect,
// handshake, and disconnect events for every peer, independent of the
// structured dex.Logger each Pool uses for protocol-level logging. Kept
// separate so an operator can pipe connection audit lines to a different
// sink (e.g. a SIEM) without changing the dex.Logger's level or output.
var accessLog = newAccessLog()

func newAccessLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

func logPeerConnected(peer *Peer) {
	accessLog.WithFields(logrus.Fields{
		"pubkey":  peer.PubKey,
		"address": peer.Address,
		"inbound": peer.Inbound,
	}).Info("peer connected")
}

func logPeerDisconnected(peer *Peer, reason string) {
	accessLog.WithFields(logrus.Fields{
		"pubkey":  peer.PubKey,
		"address": peer.Address,
		"inbound": peer.Inbound,
		"reason":  reason,
	}).Info("peer disconnected")
}
