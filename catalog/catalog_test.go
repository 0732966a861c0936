package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32(v uint32) *uint32 { return &v }
func u8(v uint8) *uint8    { return &v }
func str(v string) *string { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrayOf(t *testing.T) {
	cases := map[uint16]uint8{1: 0, 10: 0, 11: 1, 20: 1, 31: 3, 40: 3, 91: 9, 100: 9}
	for sel, tray := range cases {
		assert.Equal(t, tray, TrayOf(sel), "selection %d", sel)
	}
}

func TestUpsertCreatesLazily(t *testing.T) {
	s := openTestStore(t)

	e, err := s.Get(7)
	require.NoError(t, err)
	assert.Nil(t, e, "unprovisioned selection reads as missing")

	require.NoError(t, s.Upsert(7, Patch{
		PriceMinor: u32(150),
		Capacity:   u8(5),
		Inventory:  u8(3),
		ProductName: str("Cola"),
	}))

	e, err = s.Get(7)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint16(7), e.Selection)
	assert.Equal(t, uint8(0), e.Tray)
	assert.Equal(t, uint32(150), e.PriceMinor)
	assert.Equal(t, uint8(3), e.Inventory)
	assert.Equal(t, "Cola", e.ProductName)
}

func TestUpsertMergesPartialWrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Upsert(12, Patch{PriceMinor: u32(200), Capacity: u8(5), Inventory: u8(4)}))
	require.NoError(t, s.Upsert(12, Patch{PriceMinor: u32(250)}))

	e, err := s.Get(12)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), e.PriceMinor)
	assert.Equal(t, uint8(4), e.Inventory, "unpatched fields survive")
}

func TestInventoryClampedToCapacity(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Upsert(3, Patch{Capacity: u8(5), Inventory: u8(9)}))
	e, err := s.Get(3)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), e.Inventory)

	// Shrinking capacity pulls inventory down with it
	require.NoError(t, s.Upsert(3, Patch{Capacity: u8(2)}))
	e, _ = s.Get(3)
	assert.Equal(t, uint8(2), e.Inventory)
}

func TestUpsertTray(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertTray(3, Patch{PriceMinor: u32(200)}))

	for sel := uint16(31); sel <= 40; sel++ {
		e, err := s.Get(sel)
		require.NoError(t, err)
		require.NotNil(t, e, "selection %d", sel)
		assert.Equal(t, uint32(200), e.PriceMinor)
		assert.Equal(t, uint8(3), e.Tray)
	}

	// Neighbors untouched
	e, err := s.Get(30)
	require.NoError(t, err)
	assert.Nil(t, e)
	e, err = s.Get(41)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestUpsertAll(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertAll(Patch{PriceMinor: u32(99)}))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 100)
	for _, e := range entries {
		assert.Equal(t, uint32(99), e.PriceMinor)
	}
}

func TestWriteThenListObservesWrite(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertAll(Patch{PriceMinor: u32(100)}))
	require.NoError(t, s.Upsert(55, Patch{PriceMinor: u32(175)}))

	entries, err := s.List()
	require.NoError(t, err)
	for _, e := range entries {
		if e.Selection == 55 {
			assert.Equal(t, uint32(175), e.PriceMinor)
		} else {
			assert.Equal(t, uint32(100), e.PriceMinor)
		}
	}
}

func TestDecrementInventory(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Upsert(7, Patch{Capacity: u8(5), Inventory: u8(2)}))

	left, err := s.DecrementInventory(7)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), left)

	left, err = s.DecrementInventory(7)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), left)

	// Saturates at zero, never negative
	left, err = s.DecrementInventory(7)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), left)
}

func TestSelectionRangeValidation(t *testing.T) {
	s := openTestStore(t)

	assert.ErrorIs(t, s.Upsert(0, Patch{}), ErrBadSelection)
	assert.ErrorIs(t, s.Upsert(101, Patch{}), ErrBadSelection)
	_, err := s.Get(0)
	assert.ErrorIs(t, err, ErrBadSelection)
	assert.ErrorIs(t, s.UpsertTray(10, Patch{}), ErrBadTray)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogue.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(9, Patch{PriceMinor: u32(450), Capacity: u8(5), Inventory: u8(5)}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Get(9)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint32(450), e.PriceMinor)
}
