package common

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// The returned string has No 0x prefix
func HashToPureHexStr(h ethcommon.Hash) string {
	return Trim0xPrefix(h.Hex())
}

// The returned string has No 0x prefix
func AddressToPureHexStr(a ethcommon.Address) string {
	return Trim0xPrefix(a.Hex())
}

// HexStrToHash converts a hex string (with/without prefix 0x) to ethcommon.Hash
func HexStrToHash(hexStr string) ethcommon.Hash {
	var h ethcommon.Hash
	copy(h[:], ethcommon.Hex2BytesFixed(Trim0xPrefix(hexStr), 32))
	return h
}

// IsHexHash reports whether s is a 32-byte hex string (with/without prefix 0x).
func IsHexHash(s string) bool {
	s = Trim0xPrefix(s)
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !isHexChar(c) {
			return false
		}
	}
	return true
}

// Trim 0x or 0X prefix off the string.
func Trim0xPrefix(str string) string {
	s := strings.TrimPrefix(str, "0x")
	return strings.TrimPrefix(s, "0X")
}

func Prepend0xPrefix(str string) string {
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		return str
	}
	return "0x" + str
}

// Shorten shortens a hex string so that both sides have n characters and
// the rest is replaced with "..."
func Shorten(hexStr string, n int) string {
	str := Trim0xPrefix(hexStr)

	if len(str) <= n*2 {
		return Prepend0xPrefix(str)
	}
	return Prepend0xPrefix(str[:n] + "..." + str[len(str)-n:])
}

func BigIntClone(bigInt *big.Int) *big.Int {
	if bigInt == nil {
		return nil
	}
	return new(big.Int).Set(bigInt)
}

// RandBytes32 generates [32]byte with random values
func RandBytes32() [32]byte {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return [32]byte{}
	}
	return b
}

func RandEthAddress() ethcommon.Address {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return ethcommon.Address{}
	}
	return ethcommon.BytesToAddress(b)
}

// Backoff returns base * 2^(attempt-1), capped at max. attempt starts at 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Sleep waits for d or until ctx-like done channel fires. It reports
// false when interrupted.
func Sleep(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

func isHexChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
