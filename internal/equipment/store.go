// SPDX-License-Identifier: MIT

package equipment

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS locations (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS equipment (
	location_id               TEXT NOT NULL,
	modality                  TEXT NOT NULL,
	active                    INTEGER NOT NULL DEFAULT 1,
	ct_slice_count            INTEGER NOT NULL DEFAULT 0,
	ct_has_cardiac            INTEGER NOT NULL DEFAULT 0,
	ct_has_contrast_injector  INTEGER NOT NULL DEFAULT 0,
	ct_dual_energy            INTEGER NOT NULL DEFAULT 0,
	mri_field_strength_tesla  REAL NOT NULL DEFAULT 0,
	mri_bore_width_cm         INTEGER NOT NULL DEFAULT 0,
	mri_cardiac               INTEGER NOT NULL DEFAULT 0,
	mri_wide_bore             INTEGER NOT NULL DEFAULT 0,
	mammo_three_d_tomo        INTEGER NOT NULL DEFAULT 0,
	mammo_stereo_biopsy       INTEGER NOT NULL DEFAULT 0,
	has_bariatric_table       INTEGER NOT NULL DEFAULT 0,
	max_patient_weight_kg     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (location_id, modality)
);
CREATE INDEX IF NOT EXISTS idx_equipment_modality ON equipment(modality, active);
`

// Store persists the location/equipment catalog.
type Store struct {
	db *sql.DB
}

// NewStore opens the catalog tables on an already-configured
// database/sql.DB and runs its migration if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var userVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&userVersion); err != nil {
		return fmt.Errorf("equipment: read schema version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("equipment: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("equipment: set schema version: %w", err)
	}
	return nil
}

// PutLocation inserts or replaces a location row.
func (s *Store) PutLocation(ctx context.Context, loc Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		loc.ID, loc.Name, boolToInt(loc.Active),
	)
	if err != nil {
		return fmt.Errorf("equipment: put location: %w", err)
	}
	return nil
}

// PutEquipment inserts or replaces an equipment row.
func (s *Store) PutEquipment(ctx context.Context, e Equipment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equipment (
			location_id, modality, active, ct_slice_count, ct_has_cardiac,
			ct_has_contrast_injector, ct_dual_energy, mri_field_strength_tesla,
			mri_bore_width_cm, mri_cardiac, mri_wide_bore, mammo_three_d_tomo,
			mammo_stereo_biopsy, has_bariatric_table, max_patient_weight_kg
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_id, modality) DO UPDATE SET
			active = excluded.active,
			ct_slice_count = excluded.ct_slice_count,
			ct_has_cardiac = excluded.ct_has_cardiac,
			ct_has_contrast_injector = excluded.ct_has_contrast_injector,
			ct_dual_energy = excluded.ct_dual_energy,
			mri_field_strength_tesla = excluded.mri_field_strength_tesla,
			mri_bore_width_cm = excluded.mri_bore_width_cm,
			mri_cardiac = excluded.mri_cardiac,
			mri_wide_bore = excluded.mri_wide_bore,
			mammo_three_d_tomo = excluded.mammo_three_d_tomo,
			mammo_stereo_biopsy = excluded.mammo_stereo_biopsy,
			has_bariatric_table = excluded.has_bariatric_table,
			max_patient_weight_kg = excluded.max_patient_weight_kg`,
		e.LocationID, string(e.Modality), boolToInt(e.Active), e.CTSliceCount, boolToInt(e.CTHasCardiac),
		boolToInt(e.CTHasContrastInjector), boolToInt(e.CTDualEnergy), e.MRIFieldStrengthTesla,
		e.MRIBoreWidthCM, boolToInt(e.MRICardiac), boolToInt(e.MRIWideBore), boolToInt(e.MammoThreeDTomo),
		boolToInt(e.MammoStereoBiopsy), boolToInt(e.HasBariatricTable), e.MaxPatientWeightKG,
	)
	if err != nil {
		return fmt.Errorf("equipment: put equipment: %w", err)
	}
	return nil
}

// ListActiveLocations returns every location with active = true.
func (s *Store) ListActiveLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, active FROM locations WHERE active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("equipment: list active locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var loc Location
		var active int
		if err := rows.Scan(&loc.ID, &loc.Name, &active); err != nil {
			return nil, fmt.Errorf("equipment: scan location: %w", err)
		}
		loc.Active = active != 0
		out = append(out, loc)
	}
	return out, rows.Err()
}

// ListEquipmentByModality returns every active equipment row for a modality
// across all locations.
func (s *Store) ListEquipmentByModality(ctx context.Context, modality Modality) ([]Equipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, modality, active, ct_slice_count, ct_has_cardiac,
		       ct_has_contrast_injector, ct_dual_energy, mri_field_strength_tesla,
		       mri_bore_width_cm, mri_cardiac, mri_wide_bore, mammo_three_d_tomo,
		       mammo_stereo_biopsy, has_bariatric_table, max_patient_weight_kg
		FROM equipment WHERE modality = ? AND active = 1`, string(modality))
	if err != nil {
		return nil, fmt.Errorf("equipment: list by modality: %w", err)
	}
	defer rows.Close()

	var out []Equipment
	for rows.Next() {
		var (
			e              Equipment
			active         int
			ctCardiac      int
			ctContrastInj  int
			ctDualEnergy   int
			mriCardiac     int
			mriWideBore    int
			mammoThreeD    int
			mammoStereo    int
			hasBariatric   int
			modalityString string
		)
		if err := rows.Scan(&e.LocationID, &modalityString, &active, &e.CTSliceCount, &ctCardiac,
			&ctContrastInj, &ctDualEnergy, &e.MRIFieldStrengthTesla, &e.MRIBoreWidthCM, &mriCardiac,
			&mriWideBore, &mammoThreeD, &mammoStereo, &hasBariatric, &e.MaxPatientWeightKG); err != nil {
			return nil, fmt.Errorf("equipment: scan row: %w", err)
		}
		e.Modality = Modality(modalityString)
		e.Active = active != 0
		e.CTHasCardiac = ctCardiac != 0
		e.CTHasContrastInjector = ctContrastInj != 0
		e.CTDualEnergy = ctDualEnergy != 0
		e.MRICardiac = mriCardiac != 0
		e.MRIWideBore = mriWideBore != 0
		e.MammoThreeDTomo = mammoThreeD != 0
		e.MammoStereoBiopsy = mammoStereo != 0
		e.HasBariatricTable = hasBariatric != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
