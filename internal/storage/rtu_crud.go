package storage

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// LoadRTUs loads all enabled RTU descriptors
func (p *PostgresClient) LoadRTUs(ctx context.Context) ([]types.RTUDescriptor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT
			id, name, station_name, mac::text, host(ip),
			vendor_id, device_id, instance_id, profile,
			input_frame_id, output_frame_id, auto_connect, enabled,
			created_at, updated_at
		FROM rtus
		WHERE enabled = true
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rtus: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RTU, error) {
		var r RTU
		err := row.Scan(&r.ID, &r.Name, &r.StationName, &r.MAC, &r.IP,
			&r.VendorID, &r.DeviceID, &r.InstanceID, &r.Profile,
			&r.InputFrameID, &r.OutputFrameID, &r.AutoConnect, &r.Enabled,
			&r.CreatedAt, &r.UpdatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rtu: %w", err)
	}

	descriptors := make([]types.RTUDescriptor, 0, len(records))
	for _, r := range records {
		d, err := r.Descriptor()
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	return descriptors, nil
}

// Descriptor converts a table row into a validated descriptor.
func (r RTU) Descriptor() (types.RTUDescriptor, error) {
	mac, err := net.ParseMAC(r.MAC)
	if err != nil {
		return types.RTUDescriptor{}, fmt.Errorf("rtu %s: %w", r.Name, err)
	}
	for name, v := range map[string]int{
		"vendor_id":       r.VendorID,
		"device_id":       r.DeviceID,
		"instance_id":     r.InstanceID,
		"input_frame_id":  r.InputFrameID,
		"output_frame_id": r.OutputFrameID,
	} {
		if v < 0 || v > 0xFFFF {
			return types.RTUDescriptor{}, fmt.Errorf("rtu %s: %s %d out of range", r.Name, name, v)
		}
	}

	d := types.RTUDescriptor{
		Name:          r.Name,
		StationName:   r.StationName,
		MAC:           mac,
		IP:            net.ParseIP(r.IP),
		VendorID:      uint16(r.VendorID),
		DeviceID:      uint16(r.DeviceID),
		InstanceID:    uint16(r.InstanceID),
		Profile:       r.Profile,
		InputFrameID:  uint16(r.InputFrameID),
		OutputFrameID: uint16(r.OutputFrameID),
		AutoConnect:   r.AutoConnect,
	}
	if err := d.Validate(); err != nil {
		return types.RTUDescriptor{}, err
	}
	return d, nil
}

// SaveOrUpdateRTU upserts a descriptor by name
func (p *PostgresClient) SaveOrUpdateRTU(ctx context.Context, d types.RTUDescriptor) (uuid.UUID, error) {
	if err := d.Validate(); err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err := p.pool.QueryRow(ctx, `
		INSERT INTO rtus (name, station_name, mac, ip, vendor_id, device_id, instance_id,
		                  profile, input_frame_id, output_frame_id, auto_connect, enabled)
		VALUES ($1, $2, $3::macaddr, $4::inet, $5, $6, $7, $8, $9, $10, $11, true)
		ON CONFLICT (name)
		DO UPDATE SET
			station_name = EXCLUDED.station_name,
			mac = EXCLUDED.mac,
			ip = EXCLUDED.ip,
			vendor_id = EXCLUDED.vendor_id,
			device_id = EXCLUDED.device_id,
			instance_id = EXCLUDED.instance_id,
			profile = EXCLUDED.profile,
			input_frame_id = EXCLUDED.input_frame_id,
			output_frame_id = EXCLUDED.output_frame_id,
			auto_connect = EXCLUDED.auto_connect,
			enabled = true,
			updated_at = NOW()
		RETURNING id
	`, d.Name, d.StationName, d.MAC.String(), d.IP.String(),
		int(d.VendorID), int(d.DeviceID), int(d.InstanceID),
		d.Profile, int(d.InputFrameID), int(d.OutputFrameID), d.AutoConnect,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert rtu: %w", err)
	}

	return id, nil
}

// DeleteRTU removes an RTU from database
func (p *PostgresClient) DeleteRTU(ctx context.Context, name string) error {
	result, err := p.pool.Exec(ctx, `
		DELETE FROM rtus
		WHERE name = $1
	`, name)
	if err != nil {
		return fmt.Errorf("failed to delete rtu: %w", err)
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}
