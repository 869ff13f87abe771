package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/approval"
	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/token"
)

// TransferRequest is an outbound transfer.
type TransferRequest struct {
	Token common.Address
	// IDs and Amounts are pairwise: ERC20 carries one amount with id 0,
	// ERC721 carries amount 1 per id.
	IDs           []*big.Int
	Amounts       []*big.Int
	TargetChainID uint64
	Recipient     common.Address
	// FeeAmount is attached to the relay envelope. For the native asset the
	// caller attaches the amount plus the fee.
	FeeAmount     *big.Int
	Expiry        uint64
	Authorization approval.Authorization
}

// Bridge is an asset bridge for one asset kind.
type Bridge struct {
	core
	asset Asset

	issued   map[common.Address]IssuedAsset
	byOrigin map[originKey]common.Address
	custody  map[custodyKey]*big.Int
}

// New creates a bridge moving assets of kind.
func New(cfg Config, kind Kind) *Bridge {
	return &Bridge{
		core:     newCore(cfg),
		asset:    NewAsset(kind),
		issued:   make(map[common.Address]IssuedAsset),
		byOrigin: make(map[originKey]common.Address),
		custody:  make(map[custodyKey]*big.Int),
	}
}

// Kind returns the asset kind of the bridge.
func (b *Bridge) Kind() Kind { return b.asset.Kind() }

// IsIssued reports whether tok was deployed by this bridge.
func (b *Bridge) IsIssued(tok common.Address) bool {
	_, ok := b.issued[tok]
	return ok
}

// IssuedAsset returns the issued asset at tok.
func (b *Bridge) IssuedAsset(tok common.Address) (IssuedAsset, bool) {
	a, ok := b.issued[tok]
	return a, ok
}

// IssuedFor returns the local issued asset of (originChainID, originToken).
func (b *Bridge) IssuedFor(originChainID uint64, originToken common.Address) (IssuedAsset, bool) {
	addr, ok := b.byOrigin[originKey{originChainID, originToken}]
	if !ok {
		return IssuedAsset{}, false
	}
	return b.issued[addr], true
}

// CustodyBalance returns how much of tok (id for non-fungibles, zero for
// ERC20) the bridge holds in escrow.
func (b *Bridge) CustodyBalance(tok common.Address, id *big.Int) *big.Int {
	if id == nil {
		id = new(big.Int)
	}
	if v, ok := b.custody[custodyKey{tok, id.String()}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Invoke dispatches calldata delivered by the inbox.
func (b *Bridge) Invoke(ctx *chain.CallContext, input []byte) ([]byte, error) {
	name, args, err := decodeCall(input)
	if err != nil {
		return nil, err
	}
	from, err := b.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	switch name {
	case "transferFrom":
		p, err := decodeTransfer(args)
		if err != nil {
			return nil, err
		}
		return nil, b.receive(ctx, from, p)
	case "deployFrom":
		p, err := decodeDeploy(args)
		if err != nil {
			return nil, err
		}
		return nil, b.receiveDeploy(ctx, p)
	}
	return nil, ErrUnknownMethod
}

// TransferTo sends an asset held by the caller to req.Recipient on
// req.TargetChainID.
func (b *Bridge) TransferTo(ctx *chain.CallContext, req TransferRequest) (envelope.Envelope, error) {
	here := ctx.ChainID()
	if req.TargetChainID == here || req.TargetChainID == 0 {
		return envelope.Envelope{}, ErrSameChain
	}
	if req.Recipient == (common.Address{}) {
		return envelope.Envelope{}, ErrZeroRecipient
	}
	if err := b.asset.Validate(req.IDs, req.Amounts); err != nil {
		return envelope.Envelope{}, err
	}
	fee := envelope.Amount(req.FeeAmount)
	sender := ctx.Caller()

	if b.cfg.Gate != nil {
		err := b.cfg.Gate.Authorize(ctx.Time(), approval.Request{
			ChainID:       here,
			Bridge:        ctx.Self(),
			Selector:      TransferToSelector,
			Sender:        sender,
			Token:         req.Token,
			IDs:           req.IDs,
			Amounts:       req.Amounts,
			TargetChainID: req.TargetChainID,
			Recipient:     req.Recipient,
			FeeToken:      b.cfg.FeeToken,
			Fee:           fee,
			Expiry:        req.Expiry,
		}, req.Authorization)
		if err != nil {
			return envelope.Envelope{}, err
		}
	}

	issued, isIssued := b.issued[req.Token]
	native := !isIssued && IsNative(req.Token) && b.asset.Kind() == KindERC20

	want := new(big.Int).Set(fee)
	if native {
		want.Add(want, req.Amounts[0])
	}
	if ctx.Value().Cmp(want) != 0 {
		return envelope.Envelope{}, ErrValueMismatch
	}

	p := transferPayload{
		IDs:          copyInts(req.IDs),
		Amounts:      copyInts(req.Amounts),
		Recipient:    req.Recipient,
		FinalChainID: req.TargetChainID,
	}
	switch {
	case isIssued:
		p.OriginalChainID = issued.OriginChainID
		p.OriginalToken = issued.OriginToken
		p.Meta = issued.Metadata
		if b.isProxy(here) && req.TargetChainID != issued.OriginChainID {
			if err := b.lock(ctx, req.Token, sender, p.IDs, p.Amounts); err != nil {
				return envelope.Envelope{}, err
			}
		} else if err := b.asset.Burn(ctx, req.Token, sender, p.IDs, p.Amounts); err != nil {
			return envelope.Envelope{}, err
		}
	case native:
		p.OriginalChainID = here
		p.Meta = b.nativeMetadata()
		b.credit(ctx, req.Token, p.IDs, p.Amounts)
	default:
		meta, err := b.asset.Metadata(ctx, req.Token)
		if err != nil {
			return envelope.Envelope{}, err
		}
		p.OriginalChainID = here
		p.OriginalToken = req.Token
		p.Meta = meta
		if err := b.lock(ctx, req.Token, sender, p.IDs, p.Amounts); err != nil {
			return envelope.Envelope{}, err
		}
	}

	data, err := p.encode()
	if err != nil {
		return envelope.Envelope{}, err
	}
	sent, err := b.send(ctx, b.nextHop(here, req.TargetChainID), sender, fee, data)
	if err != nil {
		return envelope.Envelope{}, err
	}

	nonce := b.bumpNonce(ctx)
	ctx.Emit(events.NameTransferToOtherChain, events.TransferToOtherChain{
		TransferID:      TransferID(nonce, here),
		Nonce:           nonce,
		OriginalChainID: p.OriginalChainID,
		InitialChainID:  here,
		OriginalToken:   p.OriginalToken,
		TargetChainID:   req.TargetChainID,
		IDs:             copyInts(p.IDs),
		Amounts:         copyInts(p.Amounts),
		Sender:          sender,
		Recipient:       req.Recipient,
		Name:            p.Meta.Name,
		Symbol:          p.Meta.Symbol,
		Decimals:        p.Meta.Decimals,
	})
	return sent, nil
}

// DeployTo asks the bridge on targetChainID to deploy the issued
// representation of tok ahead of any transfer.
func (b *Bridge) DeployTo(ctx *chain.CallContext, tok common.Address, targetChainID uint64, fee *big.Int) (envelope.Envelope, error) {
	here := ctx.ChainID()
	if targetChainID == here || targetChainID == 0 {
		return envelope.Envelope{}, ErrSameChain
	}
	fee = envelope.Amount(fee)
	if ctx.Value().Cmp(fee) != 0 {
		return envelope.Envelope{}, ErrValueMismatch
	}

	p := deployPayload{FinalChainID: targetChainID}
	if a, ok := b.issued[tok]; ok {
		p.OriginalChainID, p.OriginalToken, p.Meta = a.OriginChainID, a.OriginToken, a.Metadata
	} else if IsNative(tok) && b.asset.Kind() == KindERC20 {
		p.OriginalChainID, p.Meta = here, b.nativeMetadata()
	} else {
		meta, err := b.asset.Metadata(ctx, tok)
		if err != nil {
			return envelope.Envelope{}, err
		}
		p.OriginalChainID, p.OriginalToken, p.Meta = here, tok, meta
	}
	if p.OriginalChainID == targetChainID {
		return envelope.Envelope{}, ErrSameChain
	}

	data, err := p.encode()
	if err != nil {
		return envelope.Envelope{}, err
	}
	return b.send(ctx, b.nextHop(here, targetChainID), ctx.Caller(), fee, data)
}

func (b *Bridge) receive(ctx *chain.CallContext, from uint64, p transferPayload) error {
	if err := b.asset.Validate(p.IDs, p.Amounts); err != nil {
		return err
	}
	here := ctx.ChainID()
	final := p.FinalChainID == here
	if !final && !b.isProxy(here) {
		return ErrUnroutable
	}

	local := p.OriginalToken
	if p.OriginalChainID == here {
		// Assets that originate here only ever leave custody.
		if final {
			if err := b.release(ctx, local, p.Recipient, p.IDs, p.Amounts); err != nil {
				return err
			}
		}
	} else {
		a, err := b.ensureIssued(ctx, p.OriginalChainID, p.OriginalToken, p.Meta)
		if err != nil {
			return err
		}
		local = a.Address
		fromStandard := from != p.OriginalChainID
		switch {
		case final && b.isProxy(here) && fromStandard:
			err = b.release(ctx, local, p.Recipient, p.IDs, p.Amounts)
		case final:
			err = b.asset.Mint(ctx, local, p.Recipient, p.IDs, p.Amounts)
		case p.FinalChainID == p.OriginalChainID:
			if fromStandard {
				err = b.burnCustody(ctx, local, p.IDs, p.Amounts)
			}
		case !fromStandard:
			err = b.mintCustody(ctx, local, p.IDs, p.Amounts)
		}
		if err != nil {
			return err
		}
	}

	if !final {
		data, err := p.encode()
		if err != nil {
			return err
		}
		if _, err := b.send(ctx, p.FinalChainID, ctx.Self(), nil, data); err != nil {
			return err
		}
	}

	ctx.Emit(events.NameTransferFromOtherChain, events.TransferFromOtherChain{
		FromChainID:     from,
		OriginalChainID: p.OriginalChainID,
		OriginalToken:   p.OriginalToken,
		Token:           local,
		IDs:             copyInts(p.IDs),
		Amounts:         copyInts(p.Amounts),
		Recipient:       p.Recipient,
		FinalChainID:    p.FinalChainID,
	})
	return nil
}

func (b *Bridge) receiveDeploy(ctx *chain.CallContext, p deployPayload) error {
	here := ctx.ChainID()
	if p.OriginalChainID != here {
		if _, err := b.ensureIssued(ctx, p.OriginalChainID, p.OriginalToken, p.Meta); err != nil {
			return err
		}
	}
	if p.FinalChainID == here {
		return nil
	}
	if !b.isProxy(here) {
		return ErrUnroutable
	}
	data, err := p.encode()
	if err != nil {
		return err
	}
	_, err = b.send(ctx, p.FinalChainID, ctx.Self(), nil, data)
	return err
}

// ensureIssued returns the issued asset of (originChainID, originToken),
// deploying it at its deterministic address on first use.
func (b *Bridge) ensureIssued(ctx *chain.CallContext, originChainID uint64, originToken common.Address, meta token.Metadata) (IssuedAsset, error) {
	key := originKey{originChainID, originToken}
	if addr, ok := b.byOrigin[key]; ok {
		a := b.issued[addr]
		if a.Metadata != meta {
			return IssuedAsset{}, ErrMetadataMismatch
		}
		return a, nil
	}

	addr := IssuedAssetAddress(ctx.Self(), b.asset.Kind(), originChainID, originToken)
	if err := ctx.Deploy(addr, b.asset.NewIssued(meta, ctx.Self())); err != nil {
		return IssuedAsset{}, err
	}
	a := IssuedAsset{OriginChainID: originChainID, OriginToken: originToken, Address: addr, Metadata: meta}
	b.issued[addr] = a
	b.byOrigin[key] = addr
	ctx.Journal(func() {
		delete(b.issued, addr)
		delete(b.byOrigin, key)
	})
	emitDeployed(ctx, a)
	return a, nil
}

func (b *Bridge) nativeMetadata() token.Metadata {
	return token.Metadata{Name: b.cfg.NativeName, Symbol: b.cfg.NativeSymbol, Decimals: 18}
}

func (b *Bridge) lock(ctx *chain.CallContext, tok, from common.Address, ids, amounts []*big.Int) error {
	if err := b.asset.Lock(ctx, tok, from, ids, amounts); err != nil {
		return err
	}
	b.credit(ctx, tok, ids, amounts)
	return nil
}

func (b *Bridge) release(ctx *chain.CallContext, tok, to common.Address, ids, amounts []*big.Int) error {
	if err := b.debit(ctx, tok, ids, amounts); err != nil {
		return err
	}
	return b.asset.Release(ctx, tok, to, ids, amounts)
}

func (b *Bridge) mintCustody(ctx *chain.CallContext, tok common.Address, ids, amounts []*big.Int) error {
	if err := b.asset.Mint(ctx, tok, ctx.Self(), ids, amounts); err != nil {
		return err
	}
	b.credit(ctx, tok, ids, amounts)
	return nil
}

func (b *Bridge) burnCustody(ctx *chain.CallContext, tok common.Address, ids, amounts []*big.Int) error {
	if err := b.debit(ctx, tok, ids, amounts); err != nil {
		return err
	}
	return b.asset.Burn(ctx, tok, ctx.Self(), ids, amounts)
}

func (b *Bridge) credit(ctx *chain.CallContext, tok common.Address, ids, amounts []*big.Int) {
	for i, id := range ids {
		key := custodyKey{tok, id.String()}
		b.setCustody(ctx, key, new(big.Int).Add(b.custodyOf(key), amounts[i]))
	}
}

func (b *Bridge) debit(ctx *chain.CallContext, tok common.Address, ids, amounts []*big.Int) error {
	for i, id := range ids {
		key := custodyKey{tok, id.String()}
		held := b.custodyOf(key)
		if held.Cmp(amounts[i]) < 0 {
			return ErrInsufficientCustody
		}
		b.setCustody(ctx, key, new(big.Int).Sub(held, amounts[i]))
	}
	return nil
}

func (b *Bridge) custodyOf(key custodyKey) *big.Int {
	if v, ok := b.custody[key]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Bridge) setCustody(ctx *chain.CallContext, key custodyKey, v *big.Int) {
	prev, had := b.custody[key]
	if v.Sign() == 0 {
		delete(b.custody, key)
	} else {
		b.custody[key] = v
	}
	ctx.Journal(func() {
		if had {
			b.custody[key] = prev
		} else {
			delete(b.custody, key)
		}
	})
}
