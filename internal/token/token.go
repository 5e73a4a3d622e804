// Package token models the reserve and synthetic assets the vault moves.
// The vault only sees the Asset and Synthetic interfaces; the in-memory
// implementations here back tests and the standalone daemon.
package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"qeuro/internal/protocol"
)

// Asset is a transferable balance-tracked token.
type Asset interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	BalanceOf(addr common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// Synthetic is an Asset whose supply the vault controls.
type Synthetic interface {
	Asset
	Mint(to common.Address, amount *uint256.Int) error
	Burn(from common.Address, amount *uint256.Int) error
	TotalSupply() *uint256.Int
}

// Token is an in-memory balance ledger for a single asset.
type Token struct {
	addr     common.Address
	symbol   string
	decimals uint8

	mu          sync.RWMutex
	balances    map[common.Address]*uint256.Int
	totalSupply *uint256.Int
}

func New(addr common.Address, symbol string, decimals uint8) *Token {
	return &Token{
		addr:        addr,
		symbol:      symbol,
		decimals:    decimals,
		balances:    make(map[common.Address]*uint256.Int),
		totalSupply: uint256.NewInt(0),
	}
}

func (t *Token) Address() common.Address { return t.addr }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }

func (t *Token) BalanceOf(addr common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return uint256.NewInt(0)
}

func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(uint256.Int).Set(t.totalSupply)
}

func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if amount.IsZero() {
		return protocol.ErrZeroAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bal, ok := t.balances[from]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("%s: insufficient balance at %s", t.symbol, from.Hex())
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

// Mint creates amount at to and grows the total supply.
func (t *Token) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if amount.IsZero() {
		return protocol.ErrZeroAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
	t.totalSupply.Add(t.totalSupply, amount)
	return nil
}

// Burn destroys amount at from and shrinks the total supply.
func (t *Token) Burn(from common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if amount.IsZero() {
		return protocol.ErrZeroAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bal, ok := t.balances[from]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("%s: burn exceeds balance at %s", t.symbol, from.Hex())
	}
	bal.Sub(bal, amount)
	t.totalSupply.Sub(t.totalSupply, amount)
	return nil
}

// credit assumes the caller holds t.mu.
func (t *Token) credit(addr common.Address, amount *uint256.Int) {
	if b, ok := t.balances[addr]; ok {
		b.Add(b, amount)
		return
	}
	t.balances[addr] = new(uint256.Int).Set(amount)
}
