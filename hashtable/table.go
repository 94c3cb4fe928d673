// Package hashtable implements an open-addressing hash engine whose storage is obtained from an
// allocator.Allocator. Slots are probed linearly and deletion shifts later entries backward to
// close the gap, so the table never holds tombstones.
//
// Table is the engine. Set and Map are thin wrappers around it. None of the types in this package
// are safe for concurrent mutation; concurrent reads of a table that is not being modified are safe.
package hashtable

import (
	"context"
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// HashFunc maps a key to a 64-bit hash. Keys that compare equal must hash identically.
type HashFunc[K any] func(key K) uint64

// EqualFunc reports whether two keys are the same key
type EqualFunc[K any] func(left, right K) bool

// Equal is an EqualFunc for comparable key types
func Equal[K comparable](left, right K) bool {
	return left == right
}

// Table is an open-addressing hash table with linear probing. The occupied flags, keys and values
// are stored as parallel columns in a single block obtained from the table's allocator; a slot's
// index is the same in every column.
//
// K and V must not contain Go pointers, strings, slices, maps, channels, functions or interfaces:
// allocator memory is not scanned by the garbage collector.
type Table[K any, V any] struct {
	alloc  allocator.Allocator
	hash   HashFunc[K]
	equal  EqualFunc[K]
	logger *slog.Logger

	block    []byte
	occupied []bool
	keys     []K
	values   []V

	count      int
	live       int
	firstIndex int
}

// NewTable creates a table with room for at least capacity entries. Capacity is rounded up to a
// power of two; a capacity of 0 produces a table of one slot.
func NewTable[K any, V any](alloc allocator.Allocator, capacity int, hash HashFunc[K], equal EqualFunc[K]) (*Table[K, V], error) {
	if alloc == nil {
		return nil, cerrors.Wrap(memutils.ErrInvalidArgument, "a table requires an allocator")
	}
	if hash == nil || equal == nil {
		return nil, cerrors.Wrap(memutils.ErrInvalidArgument, "a table requires both a hash function and an equality function")
	}
	if capacity < 0 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "invalid table capacity: %d", capacity)
	}

	err := checkPointerFree[K]("key")
	if err != nil {
		return nil, err
	}
	err = checkPointerFree[V]("value")
	if err != nil {
		return nil, err
	}

	table := &Table[K, V]{
		alloc:  alloc,
		hash:   hash,
		equal:  equal,
		logger: slog.Default(),
	}

	err = table.rebuild(memutils.NextPow2(capacity))
	if err != nil {
		return nil, err
	}

	return table, nil
}

// SetLogger replaces the logger that receives reports of blocks the table could not release.
// A nil logger restores slog.Default().
func (t *Table[K, V]) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t.logger = logger
}

func checkPointerFree[T any](name string) error {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if containsPointers(t) {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "%s type %s contains pointers and cannot be stored in allocator memory", name, t)
	}
	return nil
}

func containsPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && containsPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if containsPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// tableLayout describes where each column lives inside a table's block
type tableLayout struct {
	keysOffset   int
	valuesOffset int
	size         int
	alignment    uint
}

func layoutFor[K any, V any](count int) tableLayout {
	var key K
	var value V

	keyAlign, valueAlign := uint(unsafe.Alignof(key)), uint(unsafe.Alignof(value))
	alignment := keyAlign
	if valueAlign > alignment {
		alignment = valueAlign
	}

	keysOffset := memutils.AlignUp(count, keyAlign)
	valuesOffset := memutils.AlignUp(keysOffset+count*int(unsafe.Sizeof(key)), valueAlign)

	return tableLayout{
		keysOffset:   keysOffset,
		valuesOffset: valuesOffset,
		size:         valuesOffset + count*int(unsafe.Sizeof(value)),
		alignment:    alignment,
	}
}

func column[T any](block []byte, offset int, count int) []T {
	var zero T
	if unsafe.Sizeof(zero) == 0 {
		return make([]T, count)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&block[offset])), count)
}

// rebuild moves the table into a fresh block of count slots, reinserting every live entry. The
// table is unchanged if the new block cannot be allocated. Once the entries have moved, failing
// to release the old block is logged rather than returned.
func (t *Table[K, V]) rebuild(count int) error {
	memutils.DebugCheckPow2(count, "table capacity")

	layout := layoutFor[K, V](count)
	block, err := t.alloc.Allocate(layout.size, layout.alignment)
	if err != nil {
		return cerrors.Wrapf(err, "could not allocate %d bytes for a table of %d slots", layout.size, count)
	}

	oldBlock, oldOccupied, oldKeys, oldValues := t.block, t.occupied, t.keys, t.values

	t.block = block
	t.occupied = column[bool](block, 0, count)
	t.keys = column[K](block, layout.keysOffset, count)
	t.values = column[V](block, layout.valuesOffset, count)
	t.count = count
	t.live = 0
	t.firstIndex = count
	clear(t.occupied)

	for index, occupied := range oldOccupied {
		if occupied {
			t.place(oldKeys[index], oldValues[index])
		}
	}

	if oldBlock != nil {
		err = t.alloc.Deallocate(oldBlock)
		if err != nil {
			t.logger.LogAttrs(context.Background(), slog.LevelError, "could not release the previous table block",
				slog.Int("BlockBytes", len(oldBlock)),
				slog.Int("Capacity", count),
				slog.Any("Error", err),
			)
		}
	}

	return nil
}

func (t *Table[K, V]) mask() int {
	return t.count - 1
}

func (t *Table[K, V]) idealSlot(key K) int {
	return int(t.hash(key) & uint64(t.mask()))
}

// probe walks from key's ideal slot until it finds key or an empty slot. It returns the slot and
// whether that slot holds key. If the table is full and key is absent, the slot is -1.
func (t *Table[K, V]) probe(key K) (int, bool) {
	index := t.idealSlot(key)
	for probes := 0; probes < t.count; probes++ {
		if !t.occupied[index] {
			return index, false
		}
		if t.equal(t.keys[index], key) {
			return index, true
		}
		index = (index + 1) & t.mask()
	}

	return -1, false
}

// place writes a key known to be absent into the first empty slot of its probe sequence
func (t *Table[K, V]) place(key K, value V) int {
	index, found := t.probe(key)
	if found || index < 0 {
		panic(cerrors.AssertionFailedf("attempted to place a key into a table with no empty slot on its probe sequence"))
	}

	t.occupied[index] = true
	t.keys[index] = key
	t.values[index] = value
	t.live++
	if index < t.firstIndex {
		t.firstIndex = index
	}

	return index
}

// Find returns the slot holding key
func (t *Table[K, V]) Find(key K) (int, bool) {
	index, found := t.probe(key)
	if !found {
		return -1, false
	}
	return index, true
}

// Insert stores value under key and returns the slot it was written to. If key is already
// present its value is overwritten in place. Inserting a new key into a full table doubles the
// table's capacity first; existing entries never move otherwise.
func (t *Table[K, V]) Insert(key K, value V) (int, error) {
	index, found := t.probe(key)
	if found {
		t.values[index] = value
		return index, nil
	}

	if t.live == t.count {
		err := t.rebuild(t.count * 2)
		if err != nil {
			return -1, err
		}
	}

	index = t.place(key, value)
	memutils.DebugValidate(t)

	return index, nil
}

// Remove empties the slot at index. Later entries on the same probe run are shifted backward
// into the gap, so indices previously returned for other keys may change.
func (t *Table[K, V]) Remove(index int) error {
	if index < 0 || index >= t.count || !t.occupied[index] {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "slot %d is not occupied", index)
	}

	var zeroKey K
	var zeroValue V

	gap := index
	t.occupied[gap] = false

	for next := (gap + 1) & t.mask(); t.occupied[next]; next = (next + 1) & t.mask() {
		ideal := t.idealSlot(t.keys[next])

		// An entry whose ideal slot lies cyclically in (gap, next] would become unreachable if moved
		if cyclicallyWithin(ideal, gap, next) {
			continue
		}

		t.occupied[gap] = true
		t.keys[gap] = t.keys[next]
		t.values[gap] = t.values[next]
		t.occupied[next] = false
		gap = next
	}

	t.keys[gap] = zeroKey
	t.values[gap] = zeroValue
	t.live--

	t.firstIndex = t.count
	for slot, occupied := range t.occupied {
		if occupied {
			t.firstIndex = slot
			break
		}
	}

	memutils.DebugValidate(t)
	return nil
}

// cyclicallyWithin reports whether index lies in the half-open cyclic range (after, upTo]
func cyclicallyWithin(index, after, upTo int) bool {
	if after <= upTo {
		return after < index && index <= upTo
	}
	return index > after || index <= upTo
}

// RemoveKey removes key from the table and reports whether it was present
func (t *Table[K, V]) RemoveKey(key K) bool {
	index, found := t.probe(key)
	if !found {
		return false
	}

	err := t.Remove(index)
	if err != nil {
		panic(cerrors.AssertionFailedf("could not remove a slot that was just found: %v", err))
	}
	return true
}

// Reserve grows the table, if necessary, so that it can hold at least capacity entries
func (t *Table[K, V]) Reserve(capacity int) error {
	if capacity <= t.count {
		return nil
	}
	return t.rebuild(memutils.NextPow2(capacity))
}

// Len returns the number of entries in the table
func (t *Table[K, V]) Len() int {
	return t.live
}

// Capacity returns the number of slots in the table, which is always a power of two
func (t *Table[K, V]) Capacity() int {
	return t.count
}

// FirstIndex returns the lowest occupied slot, or Capacity() if the table is empty
func (t *Table[K, V]) FirstIndex() int {
	return t.firstIndex
}

// Next returns the lowest occupied slot after index, or Capacity() if there is none
func (t *Table[K, V]) Next(index int) int {
	for index++; index < t.count; index++ {
		if t.occupied[index] {
			return index
		}
	}
	return t.count
}

func (t *Table[K, V]) Occupied(index int) bool {
	return index >= 0 && index < t.count && t.occupied[index]
}

func (t *Table[K, V]) checkOccupied(index int) {
	if !t.Occupied(index) {
		panic(cerrors.AssertionFailedf("slot %d of %d is not occupied", index, t.count))
	}
}

// KeyAt returns the key stored in slot index. It panics if the slot is empty.
func (t *Table[K, V]) KeyAt(index int) K {
	t.checkOccupied(index)
	return t.keys[index]
}

// ValueAt returns the value stored in slot index. It panics if the slot is empty.
func (t *Table[K, V]) ValueAt(index int) V {
	t.checkOccupied(index)
	return t.values[index]
}

// SetValueAt overwrites the value stored in slot index. It panics if the slot is empty.
func (t *Table[K, V]) SetValueAt(index int, value V) {
	t.checkOccupied(index)
	t.values[index] = value
}

// Range calls fn for every entry in slot order until fn returns false. fn must not modify the table.
func (t *Table[K, V]) Range(fn func(index int, key K, value V) bool) {
	for index := t.firstIndex; index < t.count; index = t.Next(index) {
		if !fn(index, t.keys[index], t.values[index]) {
			return
		}
	}
}

// Clear removes every entry but keeps the table's block
func (t *Table[K, V]) Clear() {
	clear(t.occupied)
	t.live = 0
	t.firstIndex = t.count
}

// Destroy returns the table's block to its allocator. The table must not be used afterward.
func (t *Table[K, V]) Destroy() error {
	if t.block == nil {
		return nil
	}

	err := t.alloc.Deallocate(t.block)
	t.block = nil
	t.occupied = nil
	t.keys = nil
	t.values = nil
	t.count = 0
	t.live = 0
	t.firstIndex = 0

	return err
}

// longestProbe returns the largest distance between an entry's ideal slot and the slot it occupies
func (t *Table[K, V]) longestProbe() int {
	var longest int
	for index := t.firstIndex; index < t.count; index = t.Next(index) {
		distance := (index - t.idealSlot(t.keys[index])) & t.mask()
		if distance > longest {
			longest = distance
		}
	}
	return longest
}

// Validate verifies that every entry is reachable from its ideal slot without crossing an empty
// slot and that the table's bookkeeping matches its contents
func (t *Table[K, V]) Validate() error {
	if !memutils.IsPow2(t.count) {
		return cerrors.Newf("table capacity %d is not a power of two", t.count)
	}

	var live int
	lowest := t.count
	for index, occupied := range t.occupied {
		if !occupied {
			continue
		}

		live++
		if index < lowest {
			lowest = index
		}

		for slot := t.idealSlot(t.keys[index]); slot != index; slot = (slot + 1) & t.mask() {
			if !t.occupied[slot] {
				return cerrors.Newf("the entry in slot %d cannot be reached: slot %d on its probe sequence is empty", index, slot)
			}
			if t.equal(t.keys[slot], t.keys[index]) {
				return cerrors.Newf("the key in slot %d is duplicated in slot %d", index, slot)
			}
		}
	}

	if live != t.live {
		return cerrors.Newf("the table holds %d entries, but believes it has %d", live, t.live)
	}

	if lowest != t.firstIndex {
		return cerrors.Newf("the lowest occupied slot is %d, but the table's first index is %d", lowest, t.firstIndex)
	}

	return nil
}

func (t *Table[K, V]) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Capacity").Int(t.count)
	json.Name("Entries").Int(t.live)
	json.Name("BlockBytes").Int(len(t.block))
	json.Name("FirstIndex").Int(t.firstIndex)
	json.Name("LongestProbe").Int(t.longestProbe())
}
