package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

const wsPingInterval = 20 * time.Second

// SubscribeAccount streams changes to pubkey. It uses accountSubscribe over
// the venue's websocket and falls back to polling getAccountInfo once the
// websocket has failed MaxRetries times in a row. If the account exists, the
// first update carries its state at subscription time. The channel is closed
// when ctx ends or the client is closed.
func (c *RPCClient) SubscribeAccount(ctx context.Context, pubkey types.Pubkey) (<-chan *AccountUpdate, error) {
	if c.closed.Load() {
		return nil, c.transportErr("accountSubscribe", ErrClosed)
	}

	accountCh := make(chan *AccountUpdate, c.config.BufferSize)

	c.activeStreams.Add(1)
	go c.accountSubscriptionLoop(ctx, pubkey, accountCh)

	return accountCh, nil
}

// accountSubscriptionLoop drives one subscription across reconnects.
func (c *RPCClient) accountSubscriptionLoop(ctx context.Context, pubkey types.Pubkey, accountCh chan<- *AccountUpdate) {
	defer c.activeStreams.Done()
	defer close(accountCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.baseCtx, cancel)
	defer stop()

	log := c.logger.With().Stringer("account", pubkey).Logger()
	var last *types.Account
	attempt := 0

	for c.config.EnableWebsocket {
		subscribed, err := c.streamAccount(ctx, pubkey, &last, accountCh)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			attempt = 0
		}
		attempt++
		c.incrementReconnects()

		if c.config.EnablePollFallback && attempt > c.config.MaxRetries {
			c.incrementPollFallbacks()
			log.Warn().Err(err).Int("attempts", attempt).Msg("websocket unavailable, polling account")
			break
		}

		delay := c.getBackoffDuration(attempt)
		log.Debug().Err(err).Dur("retry_in", delay).Msg("account subscription dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	c.pollAccount(ctx, pubkey, &last, accountCh)
}

// wsMessage covers both subscription replies and notifications.
type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Result       json.RawMessage `json:"result"`
		Subscription uint64          `json:"subscription"`
	} `json:"params"`
}

// accountNotification is the result of an accountNotification.
type accountNotification struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *accountValue `json:"value"`
}

// streamAccount runs a single websocket session. subscribed reports whether
// the venue accepted the subscription before the session ended.
func (c *RPCClient) streamAccount(ctx context.Context, pubkey types.Pubkey, last **types.Account, accountCh chan<- *AccountUpdate) (subscribed bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.WSEndpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.config.WSEndpoint, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(conn, done)

	reqID := c.requestID.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "accountSubscribe",
		Params: []interface{}{
			pubkey.String(),
			map[string]interface{}{
				"encoding":   c.config.Encoding,
				"commitment": string(c.config.Commitment),
			},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return false, fmt.Errorf("write subscribe: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return subscribed, fmt.Errorf("read: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.incrementErrors()
			continue
		}

		switch {
		case msg.ID != nil && *msg.ID == reqID:
			if msg.Error != nil {
				return false, c.transportErr("accountSubscribe", msg.Error)
			}
			subscribed = true

			// Notifications only carry changes; seed with the current state.
			account, slot, err := c.getAccount(ctx, pubkey)
			if err != nil {
				return subscribed, err
			}
			if !c.emit(ctx, pubkey, account, slot, last, accountCh) {
				return subscribed, ctx.Err()
			}

		case msg.Method == "accountNotification" && msg.Params != nil:
			var note accountNotification
			if err := json.Unmarshal(msg.Params.Result, &note); err != nil {
				c.incrementErrors()
				continue
			}
			var account *types.Account
			if note.Value != nil {
				account, err = note.Value.toAccount()
				if err != nil {
					c.incrementErrors()
					continue
				}
			}
			slot := types.Slot(note.Context.Slot)
			c.setLastSlot(slot)
			if !c.emit(ctx, pubkey, account, slot, last, accountCh) {
				return subscribed, ctx.Err()
			}
		}
	}
}

// keepAlive pings conn every wsPingInterval until done is closed or a ping
// fails.
func (c *RPCClient) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.ConnectTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// pollAccount handles a subscription via polling.
func (c *RPCClient) pollAccount(ctx context.Context, pubkey types.Pubkey, last **types.Account, accountCh chan<- *AccountUpdate) {
	consecutiveErrors := 0
	for {
		account, slot, err := c.getAccount(ctx, pubkey)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			c.logger.Debug().Err(err).Int("consecutive", consecutiveErrors).Msg("account poll failed")
		} else {
			consecutiveErrors = 0
			if !c.emit(ctx, pubkey, account, slot, last, accountCh) {
				return
			}
		}

		delay := c.config.PollInterval
		if consecutiveErrors > 0 {
			delay = max(delay, c.getBackoffDuration(consecutiveErrors))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// emit delivers account if it differs from *last. It returns false if ctx
// ended before the update could be delivered.
func (c *RPCClient) emit(ctx context.Context, pubkey types.Pubkey, account *types.Account, slot types.Slot, last **types.Account, accountCh chan<- *AccountUpdate) bool {
	if !accountChanged(*last, account) {
		return true
	}
	update := &AccountUpdate{
		Venue:     c.config.Venue,
		Pubkey:    pubkey,
		Account:   account,
		Slot:      slot,
		Timestamp: time.Now().Unix(),
	}
	select {
	case accountCh <- update:
		c.incrementAccounts()
		*last = account
		return true
	case <-ctx.Done():
		return false
	}
}

// accountChanged checks if an account state has changed.
func accountChanged(old, new *types.Account) bool {
	if old == nil && new == nil {
		return false
	}
	if old == nil || new == nil {
		return true
	}
	return old.Lamports != new.Lamports ||
		old.Owner != new.Owner ||
		old.Executable != new.Executable ||
		!bytes.Equal(old.Data, new.Data)
}

// getBackoffDuration calculates exponential backoff duration.
func (c *RPCClient) getBackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return c.config.RetryBaseDelay
	}

	delay := c.config.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.config.RetryMultiplier)
		if delay > c.config.RetryMaxDelay {
			delay = c.config.RetryMaxDelay
			break
		}
	}

	return delay
}
