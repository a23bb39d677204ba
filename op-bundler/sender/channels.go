package sender

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
)

// ChannelConfig holds the relay settings the chain spec does not carry.
type ChannelConfig struct {
	// FlashbotsKey signs relay requests. It identifies the searcher, not the bundle sender.
	FlashbotsKey        *ecdsa.PrivateKey
	BloxrouteURL        string
	BloxrouteAuthHeader string

	RelayTimeout time.Duration
	// RelayRateLimit is the maximum number of requests per second sent to each relay.
	RelayRateLimit float64
	RelayBurst     int
}

// ChannelsFromSpec builds the channels the chain enables.
// The public mempool is always used.
func ChannelsFromSpec(spec *chaincfg.ChainSpec, cfg ChannelConfig, client RawTxSender) ([]Channel, error) {
	channels := []Channel{NewPublicChannel(client)}
	limit := rate.Limit(cfg.RelayRateLimit)
	if cfg.RelayRateLimit <= 0 {
		limit = rate.Inf
	}
	burst := max(cfg.RelayBurst, 1)
	if spec.FlashbotsEnabled {
		if spec.FlashbotsRelayURL == "" {
			return nil, errors.New("flashbots enabled without a relay url")
		}
		if cfg.FlashbotsKey == nil {
			return nil, errors.New("flashbots enabled without a relay signing key")
		}
		channels = append(channels, NewFlashbotsChannel(spec.FlashbotsRelayURL, cfg.FlashbotsKey, cfg.RelayTimeout, limit, burst))
	}
	if spec.BloxrouteEnabled {
		if cfg.BloxrouteAuthHeader == "" {
			return nil, fmt.Errorf("bloxroute enabled on chain %d without an auth header", spec.ID)
		}
		channels = append(channels, NewBloxrouteChannel(cfg.BloxrouteURL, cfg.BloxrouteAuthHeader, cfg.RelayTimeout, limit, burst))
	}
	return channels, nil
}
