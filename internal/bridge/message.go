package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
)

// Message is a message received from another chain.
type Message struct {
	FromChainID uint64         `json:"fromChainId"`
	Sender      common.Address `json:"sender"`
	Receiver    common.Address `json:"receiver"`
	Message     string         `json:"message"`
	Index       uint64         `json:"index"`
}

// MessageBridge relays plain messages between peers. Messages go straight
// to the target chain; the proxy is not involved.
type MessageBridge struct {
	core
	messages []Message
}

// NewMessageBridge creates a message bridge.
func NewMessageBridge(cfg Config) *MessageBridge {
	return &MessageBridge{core: newCore(cfg)}
}

// SendTo sends message from the caller to receiver on targetChainID. The
// attached value must equal fee.
func (m *MessageBridge) SendTo(ctx *chain.CallContext, targetChainID uint64, receiver common.Address, message string, fee *big.Int) (envelope.Envelope, error) {
	if targetChainID == ctx.ChainID() || targetChainID == 0 {
		return envelope.Envelope{}, ErrSameChain
	}
	if receiver == (common.Address{}) {
		return envelope.Envelope{}, ErrZeroRecipient
	}
	fee = envelope.Amount(fee)
	if ctx.Value().Cmp(fee) != 0 {
		return envelope.Envelope{}, ErrValueMismatch
	}
	data, err := messagePayload{Sender: ctx.Caller(), Receiver: receiver, Message: message}.encode()
	if err != nil {
		return envelope.Envelope{}, err
	}
	sent, err := m.send(ctx, targetChainID, ctx.Caller(), fee, data)
	if err != nil {
		return envelope.Envelope{}, err
	}
	m.bumpNonce(ctx)
	return sent, nil
}

// Invoke stores a message delivered by the inbox.
func (m *MessageBridge) Invoke(ctx *chain.CallContext, input []byte) ([]byte, error) {
	name, args, err := decodeCall(input)
	if err != nil {
		return nil, err
	}
	if name != "receiveMessage" {
		return nil, ErrUnknownMethod
	}
	from, err := m.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	p, err := decodeMessage(args)
	if err != nil {
		return nil, err
	}

	msg := Message{
		FromChainID: from,
		Sender:      p.Sender,
		Receiver:    p.Receiver,
		Message:     p.Message,
		Index:       uint64(len(m.messages)),
	}
	m.messages = append(m.messages, msg)
	ctx.Journal(func() { m.messages = m.messages[:len(m.messages)-1] })
	ctx.Emit(events.NameMessageReceived, events.MessageReceived(msg))
	return nil, nil
}

// Messages lists received messages matching the filters, oldest first. A
// zero filter address matches anything.
func (m *MessageBridge) Messages(sender, receiver common.Address, offset, limit int) []Message {
	var out []Message
	skipped := 0
	for _, msg := range m.messages {
		if sender != (common.Address{}) && msg.Sender != sender {
			continue
		}
		if receiver != (common.Address{}) && msg.Receiver != receiver {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, msg)
	}
	return out
}

// Count returns how many messages were received.
func (m *MessageBridge) Count() int { return len(m.messages) }
