package sender

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

// relayClient posts JSON-RPC requests to a relay, rate limited.
type relayClient struct {
	url     string
	http    *resty.Client
	limiter *rate.Limiter
	// headers returns the extra headers of a request with the given body.
	headers func(body []byte) (map[string]string, error)
}

func newRelayClient(url string, timeout time.Duration, limit rate.Limit, burst int, headers func([]byte) (map[string]string, error)) *relayClient {
	return &relayClient{
		url:     url,
		http:    resty.New().SetTimeout(timeout),
		limiter: rate.NewLimiter(limit, burst),
		headers: headers,
	}
}

func (c *relayClient) call(ctx context.Context, method string, params any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("relay rate limit: %w", err)
	}
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	headers, err := c.headers(body)
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(headers).
		SetBody(body).
		Post(c.url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Transient(err)
	}
	if resp.IsError() {
		err := fmt.Errorf("relay responded %s: %s", resp.Status(), resp.String())
		if retryableStatus(resp.StatusCode()) {
			return Transient(err)
		}
		return err
	}

	var msg jsonrpcResponse
	if err := json.Unmarshal(resp.Body(), &msg); err != nil {
		return fmt.Errorf("invalid relay response: %w", err)
	}
	if msg.Error != nil {
		return classify(msg.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("invalid relay result: %w", err)
	}
	return nil
}

// FlashbotsChannel sends the transaction privately through a Flashbots relay.
// Requests are signed with the relay key in the X-Flashbots-Signature header.
type FlashbotsChannel struct {
	client *relayClient
}

func NewFlashbotsChannel(url string, key *ecdsa.PrivateKey, timeout time.Duration, limit rate.Limit, burst int) *FlashbotsChannel {
	signer := crypto.PubkeyToAddress(key.PublicKey)
	return &FlashbotsChannel{
		client: newRelayClient(url, timeout, limit, burst, func(body []byte) (map[string]string, error) {
			sig, err := FlashbotsSignature(key, body)
			if err != nil {
				return nil, err
			}
			return map[string]string{"X-Flashbots-Signature": signer.Hex() + ":" + sig}, nil
		}),
	}
}

// FlashbotsSignature signs the hex encoded keccak256 hash of body as a personal message.
func FlashbotsSignature(key *ecdsa.PrivateKey, body []byte) (string, error) {
	hash := hexutil.Encode(crypto.Keccak256(body))
	sig, err := crypto.Sign(accounts.TextHash([]byte(hash)), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign relay request: %w", err)
	}
	return hexutil.Encode(sig), nil
}

func (c *FlashbotsChannel) Name() ChannelName { return ChannelFlashbots }

type privateTxArgs struct {
	Tx             hexutil.Bytes  `json:"tx"`
	MaxBlockNumber hexutil.Uint64 `json:"maxBlockNumber"`
	Preferences    map[string]any `json:"preferences"`
}

func (c *FlashbotsChannel) Submit(ctx context.Context, sub *Submission) (string, error) {
	raw, err := sub.raw()
	if err != nil {
		return "", err
	}
	args := privateTxArgs{
		Tx:             raw,
		MaxBlockNumber: hexutil.Uint64(sub.TargetBlock),
		Preferences:    map[string]any{"fast": true},
	}
	var hash common.Hash
	if err := c.client.call(ctx, "eth_sendPrivateTransaction", []any{args}, &hash); err != nil {
		if isAlreadyKnown(err) {
			return sub.Tx.Hash().Hex(), nil
		}
		return "", err
	}
	return hash.Hex(), nil
}

// BloxrouteChannel sends the transaction privately through the bloXroute cloud API.
type BloxrouteChannel struct {
	client *relayClient
}

func NewBloxrouteChannel(url string, authHeader string, timeout time.Duration, limit rate.Limit, burst int) *BloxrouteChannel {
	return &BloxrouteChannel{
		client: newRelayClient(url, timeout, limit, burst, func([]byte) (map[string]string, error) {
			return map[string]string{"Authorization": authHeader}, nil
		}),
	}
}

func (c *BloxrouteChannel) Name() ChannelName { return ChannelBloxroute }

type bloxrouteResult struct {
	TxHash string `json:"txHash"`
}

func (c *BloxrouteChannel) Submit(ctx context.Context, sub *Submission) (string, error) {
	raw, err := sub.raw()
	if err != nil {
		return "", err
	}
	params := map[string]any{"transaction": common.Bytes2Hex(raw)}
	var res bloxrouteResult
	if err := c.client.call(ctx, "blxr_private_tx", params, &res); err != nil {
		if isAlreadyKnown(err) {
			return sub.Tx.Hash().Hex(), nil
		}
		return "", err
	}
	if res.TxHash == "" {
		return "", errors.New("bloxroute returned no transaction hash")
	}
	return res.TxHash, nil
}
