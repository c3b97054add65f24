// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// XID limits from the XA specification.
const (
	MaxGlobalIDLen = 64
	MaxBranchIDLen = 64
)

// ErrInvalidXID indicates a malformed global transaction identifier.
var ErrInvalidXID = errors.New("invalid XID")

// XID identifies a global transaction branch: format identifier, global
// transaction id and branch qualifier.
type XID struct {
	FormatID uint32
	GlobalID []byte
	BranchID []byte
}

// NewXID builds an XID, validating component lengths.
func NewXID(formatID uint32, globalID, branchID []byte) (*XID, error) {
	if len(globalID) == 0 || len(globalID) > MaxGlobalIDLen {
		return nil, fmt.Errorf("%w: global id length %d", ErrInvalidXID, len(globalID))
	}
	if len(branchID) == 0 || len(branchID) > MaxBranchIDLen {
		return nil, fmt.Errorf("%w: branch id length %d", ErrInvalidXID, len(branchID))
	}
	x := &XID{FormatID: formatID}
	x.GlobalID = append(x.GlobalID, globalID...)
	x.BranchID = append(x.BranchID, branchID...)
	return x, nil
}

// GenerateXID creates an XID with a random global id and branch qualifier.
// Used by tests and by embedders that act as their own transaction manager.
func GenerateXID(formatID uint32) *XID {
	g := uuid.New()
	b := uuid.New()
	return &XID{FormatID: formatID, GlobalID: g[:], BranchID: b[:]}
}

// String renders the XID as formatID:hex(globalID):hex(branchID). The
// rendering is unique per XID and is used as the durable record key.
func (x *XID) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalID), hex.EncodeToString(x.BranchID))
}

// ParseXID parses the String rendering back into an XID.
func ParseXID(s string) (*XID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil, ErrInvalidXID
	}
	formatID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidXID, s)
	}
	globalID, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidXID, s)
	}
	branchID, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidXID, s)
	}
	return NewXID(uint32(formatID), globalID, branchID)
}
