package bidding

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/neonveil/sdk-go/core/types"
)

// maxTrackedOperations bounds the history returned by Operations.
const maxTrackedOperations = 128

func (m *Manager) begin(kind types.OperationKind, auctionID, bidID *uint64) uuid.UUID {
	now := m.now()
	op := &types.Operation{
		ID:        uuid.New(),
		Kind:      kind,
		Phase:     types.PhaseIdle,
		AuctionID: auctionID,
		BidID:     bidID,
		StartedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.ID] = op
	m.order = append(m.order, op.ID)
	for len(m.order) > maxTrackedOperations {
		oldest := m.order[0]
		// never forget an operation that is still running
		if !m.ops[oldest].Phase.Terminal() {
			break
		}
		delete(m.ops, oldest)
		m.order = m.order[1:]
	}
	return op.ID
}

func (m *Manager) update(id uuid.UUID, fn func(*types.Operation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.ops[id]; ok {
		fn(op)
		op.UpdatedAt = m.now()
	}
}

func (m *Manager) setPhase(id uuid.UUID, phase types.Phase) {
	m.update(id, func(op *types.Operation) { op.Phase = phase })
}

func (m *Manager) setTxHash(id uuid.UUID, hash common.Hash) {
	m.update(id, func(op *types.Operation) { op.TxHash = &hash })
}

// Operation returns a copy of the operation's current state.
func (m *Manager) Operation(id uuid.UUID) (types.Operation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	if !ok {
		return types.Operation{}, false
	}
	return *op, true
}

// Operations returns the tracked operations, newest first.
func (m *Manager) Operations() []types.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Operation, 0, len(m.order))
	for _, id := range slices.Backward(m.order) {
		out = append(out, *m.ops[id])
	}
	return out
}
