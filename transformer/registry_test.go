package transformer

import (
	"testing"

	"github.com/eddielth/gadgetbridge-mqtt/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	assert.Equal(t, "mi_band_8_pro", Slug("Mi Band 8 Pro!"))
	assert.Equal(t, "watch_a", Slug("  Watch-A "))
	assert.Equal(t, "", Slug("!!!"))
}

func TestDeviceRegistryObserve(t *testing.T) {
	r, err := NewDeviceRegistry("")
	require.NoError(t, err)

	added := r.Observe([]storage.DeviceRow{
		{RowID: 1, Name: "Xiaomi Smart Band 8", Alias: "Watch A", Identifier: "C8:0F:10:AA:BB:CC"},
		{RowID: 2, Name: "Watch A"},
		{RowID: 3, Name: "???"},
		{RowID: 4, Name: "Scale", Identifier: "scale-1"},
	})
	require.Len(t, added, 4)

	d, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "watch_a", d.ID)
	assert.Equal(t, "Watch A", d.Name)
	assert.Equal(t, "bluetooth", d.Connectivity)

	d, _ = r.Lookup(2)
	assert.Equal(t, "watch_a_2", d.ID)

	d, _ = r.Lookup(3)
	assert.Equal(t, "device_3", d.ID)

	d, _ = r.Lookup(4)
	assert.Equal(t, "unknown", d.Connectivity)

	// ids are stable once assigned
	added = r.Observe([]storage.DeviceRow{{RowID: 1, Name: "Renamed"}})
	assert.Empty(t, added)
	d, _ = r.Lookup(1)
	assert.Equal(t, "watch_a", d.ID)

	devices := r.Devices()
	require.Len(t, devices, 4)
	assert.Equal(t, int64(1), devices[0].RowID)
	assert.Equal(t, int64(4), devices[3].RowID)

	_, ok = r.Lookup(99)
	assert.False(t, ok)
}

func TestDeviceRegistryFilter(t *testing.T) {
	r, err := NewDeviceRegistry("(?i)band|watch")
	require.NoError(t, err)

	added := r.Observe([]storage.DeviceRow{
		{RowID: 1, Name: "Mi Band 7"},
		{RowID: 2, Name: "MI Scale 2"},
		{RowID: 3, Name: "Amazfit", Alias: "My Watch"},
	})
	require.Len(t, added, 2)

	_, ok := r.Lookup(2)
	assert.False(t, ok)

	_, err = NewDeviceRegistry("(")
	assert.Error(t, err)
}

func TestDeviceRegistryFallbackIDsStayUnique(t *testing.T) {
	cases := []struct {
		name string
		rows []storage.DeviceRow
		want map[int64]string
	}{
		{
			name: "row suffix collides with another slug",
			rows: []storage.DeviceRow{{RowID: 1, Name: "Watch"}, {RowID: 2, Name: "Watch 3"}, {RowID: 3, Name: "Watch"}},
			want: map[int64]string{1: "watch", 2: "watch_3", 3: "watch_3_2"},
		},
		{
			name: "unnamed fallback collides with an alias",
			rows: []storage.DeviceRow{{RowID: 1, Alias: "Device 3"}, {RowID: 3, Name: "???"}},
			want: map[int64]string{1: "device_3", 3: "device_3_2"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewDeviceRegistry("")
			require.NoError(t, err)
			require.Len(t, r.Observe(tc.rows), len(tc.rows))

			seen := map[string]bool{}
			for rowID, want := range tc.want {
				d, ok := r.Lookup(rowID)
				require.True(t, ok)
				assert.Equal(t, want, d.ID)
				assert.False(t, seen[d.ID], "duplicate id %s", d.ID)
				seen[d.ID] = true
			}
		})
	}
}
