package rundown

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// fractional ordering keys over the printable ascii range (radix 95).
// plain byte-wise string comparison of keys reproduces intended list order,
// so an insert between any two neighbors never renumbers existing items.
// two clients inserting between the same neighbors concurrently each get a
// distinct valid key without coordination; merge is "keep both, sort by key".

const orderKeyMin = byte(0x20) // ' '
const orderKeyMax = byte(0x7e) // '~'
const orderKeyRadix = int(orderKeyMax) - int(orderKeyMin) + 1

func validateOrderKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrOrderingAnomaly)
	}
	for i := 0; i < len(key); i += 1 {
		if key[i] < orderKeyMin || orderKeyMax < key[i] {
			return fmt.Errorf("%w: byte 0x%02x outside key alphabet", ErrOrderingAnomaly, key[i])
		}
	}
	// a trailing minimum digit would leave no room below the key at its depth
	if key[len(key)-1] == orderKeyMin {
		return fmt.Errorf("%w: key ends with minimum digit", ErrOrderingAnomaly)
	}
	return nil
}

// midpoint between `a` and `b` where `a < b`.
// `a` empty means the lowest bound, `b` empty means the highest bound.
// compare digits position by position; copy the shared prefix forward; at the
// first differing digit emit the arithmetic midpoint if there is room,
// otherwise extend one level deeper.
func orderKeyMidpoint(a string, b string) string {
	if b != "" {
		n := 0
		for n < len(b) {
			ca := orderKeyMin
			if n < len(a) {
				ca = a[n]
			}
			if ca != b[n] {
				break
			}
			n += 1
		}
		if 0 < n {
			return b[:n] + orderKeyMidpoint(a[min(n, len(a)):], b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = int(a[0]) - int(orderKeyMin)
	}
	digitB := orderKeyRadix
	if b != "" {
		digitB = int(b[0]) - int(orderKeyMin)
	}

	if 1 < digitB-digitA {
		mid := (digitA + digitB) / 2
		return string([]byte{orderKeyMin + byte(mid)})
	}

	// adjacent digits
	if 1 < len(b) {
		return b[:1]
	}
	// edge case: append midpoint character one level deeper
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string([]byte{orderKeyMin + byte(digitA)}) + orderKeyMidpoint(rest, "")
}

// returns a key strictly between `before` and `after` under plain string
// comparison. empty `before` means "smallest possible", empty `after` means
// "next representable value".
func GenerateKeyBetween(before string, after string) (string, error) {
	if before != "" {
		if err := validateOrderKey(before); err != nil {
			return "", err
		}
	}
	if after != "" {
		if err := validateOrderKey(after); err != nil {
			return "", err
		}
	}
	if before != "" && after != "" && after <= before {
		glog.Warningf("[order]key bounds out of order: %q >= %q\n", before, after)
		return "", fmt.Errorf("%w: %q >= %q", ErrOrderingAnomaly, before, after)
	}
	return orderKeyMidpoint(before, after), nil
}

// returns `n` keys in strictly increasing order, all within (`before`, `after`),
// by iterative midpoint splitting.
func GenerateNKeysBetween(before string, after string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	if n == 1 {
		key, err := GenerateKeyBetween(before, after)
		if err != nil {
			return nil, err
		}
		return []string{key}, nil
	}

	if after == "" {
		keys := make([]string, n)
		previous := before
		for i := 0; i < n; i += 1 {
			key, err := GenerateKeyBetween(previous, "")
			if err != nil {
				return nil, err
			}
			keys[i] = key
			previous = key
		}
		return keys, nil
	}

	if before == "" {
		keys := make([]string, n)
		next := after
		for i := n - 1; 0 <= i; i -= 1 {
			key, err := GenerateKeyBetween("", next)
			if err != nil {
				return nil, err
			}
			keys[i] = key
			next = key
		}
		return keys, nil
	}

	mid := n / 2
	midKey, err := GenerateKeyBetween(before, after)
	if err != nil {
		return nil, err
	}
	left, err := GenerateNKeysBetween(before, midKey, mid)
	if err != nil {
		return nil, err
	}
	right, err := GenerateNKeysBetween(midKey, after, n-mid-1)
	if err != nil {
		return nil, err
	}
	keys := append(left, midKey)
	keys = append(keys, right...)
	return keys, nil
}

// missing keys sort last
func CompareSortOrder(a string, b string) int {
	if a == "" && b == "" {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}
	return strings.Compare(a, b)
}

// backfills monotonically increasing keys for any item lacking one, or whose
// existing key does not advance past its predecessor, preserving array order.
func InitializeSortOrders(items []*RundownItem) error {
	previous := ""
	i := 0
	for i < len(items) {
		key := items[i].SortOrder
		if key != "" && validateOrderKey(key) == nil && previous < key {
			previous = key
			i += 1
			continue
		}

		// run of items that need fresh keys
		j := i
		for j < len(items) {
			key := items[j].SortOrder
			if key != "" && validateOrderKey(key) == nil && previous < key {
				break
			}
			j += 1
		}
		upper := ""
		if j < len(items) {
			upper = items[j].SortOrder
		}
		keys, err := GenerateNKeysBetween(previous, upper, j-i)
		if err != nil {
			return err
		}
		for k, key := range keys {
			items[i+k].SortOrder = key
		}
		previous = items[j-1].SortOrder
		i = j
	}
	return nil
}

// repair path for ordering anomalies: assign fresh evenly spread keys to the
// whole range rather than failing destructively.
func RegenerateSortOrders(items []*RundownItem) {
	keys, err := GenerateNKeysBetween("", "", len(items))
	if err != nil {
		// only reachable with n <= 0
		return
	}
	for i, item := range items {
		item.SortOrder = keys[i]
	}
}
