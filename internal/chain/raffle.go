package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// ParseAddress validates a hex address string and returns its parsed form.
// It returns domain.ErrInvalidAddress for anything that is not a well-formed
// 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// RaffleReader reads position state from the raffle contract. The engine's
// periodic sweep uses it to cross-check the stored mirror and alert when the
// two have drifted apart.
type RaffleReader struct {
	tr   *Transactor
	addr common.Address
}

// NewRaffleReader creates a reader bound to the raffle contract address.
func NewRaffleReader(tr *Transactor, raffleAddress string) (*RaffleReader, error) {
	addr, err := ParseAddress(raffleAddress)
	if err != nil {
		return nil, fmt.Errorf("chain: raffle address: %w", err)
	}
	return &RaffleReader{tr: tr, addr: addr}, nil
}

// ParticipantPosition returns the ticket count held by a participant in a
// season, read directly from the contract.
func (r *RaffleReader) ParticipantPosition(ctx context.Context, seasonID uint64, participant string) (uint64, error) {
	pAddr, err := ParseAddress(participant)
	if err != nil {
		return 0, err
	}

	calldata, err := raffleABI.Pack("participantPosition", new(big.Int).SetUint64(seasonID), pAddr)
	if err != nil {
		return 0, fmt.Errorf("chain: pack participantPosition: %w", err)
	}

	out, err := r.tr.Call(ctx, r.addr, calldata)
	if err != nil {
		return 0, err
	}

	return unpackUint64(raffleABI, "participantPosition", out)
}

// SeasonTotalTickets returns the total tickets sold in a season.
func (r *RaffleReader) SeasonTotalTickets(ctx context.Context, seasonID uint64) (uint64, error) {
	calldata, err := raffleABI.Pack("seasonTotalTickets", new(big.Int).SetUint64(seasonID))
	if err != nil {
		return 0, fmt.Errorf("chain: pack seasonTotalTickets: %w", err)
	}

	out, err := r.tr.Call(ctx, r.addr, calldata)
	if err != nil {
		return 0, err
	}

	return unpackUint64(raffleABI, "seasonTotalTickets", out)
}
