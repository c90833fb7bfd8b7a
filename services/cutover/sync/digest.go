package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// NormalizeValue renders a scanned column value into a canonical string so
// that the same logical value hashes identically whichever store it was read
// from (sqlite hands back int64/float64/string/[]byte, postgres additionally
// bool and time.Time).
func NormalizeValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case []byte:
		return string(t)
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// HashRow digests one row's column values.
func HashRow(values []interface{}) [sha256.Size]byte {
	h := sha256.New()
	for _, v := range values {
		s := NormalizeValue(v)
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{'|'})
		h.Write([]byte(s))
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Digest accumulates row hashes order-independently, so source and target
// need not be scanned in the same order (collations differ between stores).
type Digest struct {
	acc  [sha256.Size]byte
	rows int64
}

func (d *Digest) Add(rowHash [sha256.Size]byte) {
	for i := range d.acc {
		d.acc[i] ^= rowHash[i]
	}
	d.rows++
}

func (d *Digest) AddRow(values []interface{}) {
	d.Add(HashRow(values))
}

func (d *Digest) Rows() int64 {
	return d.rows
}

func (d *Digest) Sum() string {
	return hex.EncodeToString(d.acc[:])
}
