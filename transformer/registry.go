package transformer

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
)

var (
	nonWord    = regexp.MustCompile(`\W+`)
	macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)
)

// DeviceRegistry 维护设备行号到稳定设备标识的映射。设备一旦出现，在进程生命周期内不会被移除。
type DeviceRegistry struct {
	mu     sync.RWMutex
	byRow  map[int64]Device
	ids    map[string]int64
	filter *regexp.Regexp
}

// NewDeviceRegistry creates a registry. A non-empty filter is a regular
// expression matched against the device name and alias; devices matching
// neither are ignored.
func NewDeviceRegistry(filter string) (*DeviceRegistry, error) {
	r := &DeviceRegistry{
		byRow: make(map[int64]Device),
		ids:   make(map[string]int64),
	}
	if filter != "" {
		re, err := regexp.Compile(filter)
		if err != nil {
			return nil, fmt.Errorf("invalid device filter: %w", err)
		}
		r.filter = re
	}
	return r, nil
}

// Observe registers devices seen for the first time and returns them.
func (r *DeviceRegistry) Observe(rows []storage.DeviceRow) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []Device
	for _, row := range rows {
		if _, ok := r.byRow[row.RowID]; ok {
			continue
		}
		if r.filter != nil && !r.filter.MatchString(row.Name) && !r.filter.MatchString(row.Alias) {
			continue
		}

		d := Device{
			ID:           r.uniqueID(row),
			Name:         displayName(row),
			Manufacturer: row.Manufacturer,
			Model:        row.Model,
			Connectivity: "unknown",
			Identifier:   row.Identifier,
			RowID:        row.RowID,
		}
		if macPattern.MatchString(row.Identifier) {
			d.Connectivity = "bluetooth"
		}

		r.byRow[row.RowID] = d
		r.ids[d.ID] = row.RowID
		added = append(added, d)
		logger.Info("tracking device %s (%s)", d.ID, d.Name)
	}
	return added
}

// Lookup returns the device for a source row id.
func (r *DeviceRegistry) Lookup(rowID int64) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byRow[rowID]
	return d, ok
}

// Devices returns all tracked devices.
func (r *DeviceRegistry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byRow))
	for _, d := range r.byRow {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out
}

// uniqueID picks the slug of the display name, then "<slug>_<rowid>", then
// "<slug>_<rowid>_<n>" until the candidate is not held by another device.
func (r *DeviceRegistry) uniqueID(row storage.DeviceRow) string {
	base := Slug(displayName(row))
	if base != "" && !r.taken(base) {
		return base
	}
	if base == "" {
		base = "device"
	}

	rowID := strconv.FormatInt(row.RowID, 10)
	id := base + "_" + rowID
	for n := 2; r.taken(id); n++ {
		id = base + "_" + rowID + "_" + strconv.Itoa(n)
	}
	return id
}

func (r *DeviceRegistry) taken(id string) bool {
	_, ok := r.ids[id]
	return ok
}

func displayName(row storage.DeviceRow) string {
	if strings.TrimSpace(row.Alias) != "" {
		return strings.TrimSpace(row.Alias)
	}
	return strings.TrimSpace(row.Name)
}

// Slug replaces runs of non-word characters with "_" and lowercases the
// result. Leading and trailing underscores are trimmed.
func Slug(s string) string {
	return strings.Trim(strings.ToLower(nonWord.ReplaceAllString(s, "_")), "_")
}
