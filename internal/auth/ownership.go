package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Ownership is the call surface of the external ownership-token
// collaborator. Issuance, transfer, and approval semantics live outside
// this module; the engine only asks who owns a position and whether a
// caller may act for the owner.
type Ownership interface {
	OwnerOf(positionID uint64) (common.Address, error)
	IsAuthorized(owner, caller common.Address, positionID uint64) bool
}

// TokenRegistry is an in-memory Ownership used by tests and the CLI
// simulator. A real deployment would wrap the ownership-token contract.
type TokenRegistry struct {
	owners    map[uint64]common.Address
	operators map[common.Address]map[common.Address]bool
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		owners:    make(map[uint64]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// Mint records owner as the holder of the token matching positionID.
func (r *TokenRegistry) Mint(positionID uint64, owner common.Address) {
	r.owners[positionID] = owner
}

// Approve lets operator act on every position owner holds.
func (r *TokenRegistry) Approve(owner, operator common.Address) {
	if r.operators[owner] == nil {
		r.operators[owner] = make(map[common.Address]bool)
	}
	r.operators[owner][operator] = true
}

func (r *TokenRegistry) OwnerOf(positionID uint64) (common.Address, error) {
	owner, ok := r.owners[positionID]
	if !ok {
		return common.Address{}, fmt.Errorf("token %d: not minted", positionID)
	}
	return owner, nil
}

func (r *TokenRegistry) IsAuthorized(owner, caller common.Address, positionID uint64) bool {
	if caller == owner {
		return true
	}
	return r.operators[owner][caller]
}
