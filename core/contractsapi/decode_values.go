package contractsapi

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// The extract helpers decode positional view-function outputs. They accept the
// narrow integer types the ABI decoder produces for uint8/uint32 outputs as well
// as *big.Int, so a contract that widens a field keeps decoding.

// extractBigIntColumn extracts an unsigned integer of any width as *big.Int
func extractBigIntColumn(val any, target **big.Int, colIndex int, colName string) error {
	switch v := val.(type) {
	case *big.Int:
		if v == nil {
			return fmt.Errorf("invalid %s (column %d): nil integer", colName, colIndex)
		}
		*target = new(big.Int).Set(v)
	case uint8:
		*target = new(big.Int).SetUint64(uint64(v))
	case uint16:
		*target = new(big.Int).SetUint64(uint64(v))
	case uint32:
		*target = new(big.Int).SetUint64(uint64(v))
	case uint64:
		*target = new(big.Int).SetUint64(v)
	default:
		return fmt.Errorf("invalid %s type (column %d): %T", colName, colIndex, val)
	}
	return nil
}

// extractUint64Column extracts an unsigned integer that must fit in 64 bits
func extractUint64Column(val any, target *uint64, colIndex int, colName string) error {
	var n *big.Int
	if err := extractBigIntColumn(val, &n, colIndex, colName); err != nil {
		return err
	}
	if !n.IsUint64() {
		return fmt.Errorf("invalid %s (column %d): %s overflows uint64", colName, colIndex, n)
	}
	*target = n.Uint64()
	return nil
}

func extractUint32Column(val any, target *uint32, colIndex int, colName string) error {
	var n uint64
	if err := extractUint64Column(val, &n, colIndex, colName); err != nil {
		return err
	}
	if n > uint64(^uint32(0)) {
		return fmt.Errorf("invalid %s (column %d): %d overflows uint32", colName, colIndex, n)
	}
	*target = uint32(n)
	return nil
}

// extractTimeColumn extracts unix seconds. Zero stays the zero time.
func extractTimeColumn(val any, target *time.Time, colIndex int, colName string) error {
	var secs uint64
	if err := extractUint64Column(val, &secs, colIndex, colName); err != nil {
		return err
	}
	if secs == 0 {
		*target = time.Time{}
		return nil
	}
	*target = time.Unix(int64(secs), 0).UTC()
	return nil
}

func extractBoolColumn(val any, target *bool, colIndex int, colName string) error {
	b, ok := val.(bool)
	if !ok {
		return fmt.Errorf("invalid %s type (column %d): expected bool, got %T", colName, colIndex, val)
	}
	*target = b
	return nil
}

func extractStringColumn(val any, target *string, colIndex int, colName string) error {
	str, ok := val.(string)
	if !ok {
		return fmt.Errorf("invalid %s type (column %d): expected string, got %T", colName, colIndex, val)
	}
	*target = str
	return nil
}

func extractAddressColumn(val any, target *common.Address, colIndex int, colName string) error {
	switch v := val.(type) {
	case common.Address:
		*target = v
	case string:
		if !common.IsHexAddress(v) {
			return fmt.Errorf("invalid %s (column %d): %q is not an address", colName, colIndex, v)
		}
		*target = common.HexToAddress(v)
	default:
		return fmt.Errorf("invalid %s type (column %d): %T", colName, colIndex, val)
	}
	return nil
}

func extractBytesColumn(val any, target *[]byte, colIndex int, colName string) error {
	switch v := val.(type) {
	case []byte:
		*target = append([]byte(nil), v...)
	case nil:
		*target = nil
	default:
		return fmt.Errorf("invalid %s type (column %d): expected bytes, got %T", colName, colIndex, val)
	}
	return nil
}

// expectColumns checks the output arity of a view function.
func expectColumns(method string, row []any, n int) error {
	if len(row) < n {
		return fmt.Errorf("%s returned %d values, expected %d", method, len(row), n)
	}
	return nil
}
