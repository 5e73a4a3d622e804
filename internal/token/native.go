package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"qeuro/internal/protocol"
)

// NativeLedger tracks native-coin balances per address. Components that can
// receive stray native transfers use it to sweep them to the treasury.
type NativeLedger struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
}

func NewNativeLedger() *NativeLedger {
	return &NativeLedger{balances: make(map[common.Address]*uint256.Int)}
}

func (n *NativeLedger) BalanceOf(addr common.Address) *uint256.Int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if b, ok := n.balances[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return uint256.NewInt(0)
}

// Credit adds amount at addr without a counterparty.
func (n *NativeLedger) Credit(addr common.Address, amount *uint256.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.balances[addr]; ok {
		b.Add(b, amount)
		return
	}
	n.balances[addr] = new(uint256.Int).Set(amount)
}

func (n *NativeLedger) Transfer(from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if amount.IsZero() {
		return protocol.ErrZeroAmount
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	bal, ok := n.balances[from]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("native: insufficient balance at %s", from.Hex())
	}
	bal.Sub(bal, amount)
	if b, ok := n.balances[to]; ok {
		b.Add(b, amount)
	} else {
		n.balances[to] = new(uint256.Int).Set(amount)
	}
	return nil
}
