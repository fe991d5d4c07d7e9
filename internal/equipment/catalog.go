// SPDX-License-Identifier: MIT

package equipment

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFixture is the on-disk YAML shape an ops team edits to describe a
// tenant's locations and their modality rows, mirroring the teacher's
// config.yaml-as-source-of-truth pattern (internal/config/config.go) rather
// than inventing a bespoke JSON/CSV format for the same job.
type CatalogFixture struct {
	Locations []LocationFixture `yaml:"locations"`
}

// LocationFixture is one location and all of its modality rows.
type LocationFixture struct {
	ID        string             `yaml:"id"`
	Name      string             `yaml:"name"`
	Active    bool               `yaml:"active"`
	Equipment []EquipmentFixture `yaml:"equipment"`
}

// EquipmentFixture is one modality row under a LocationFixture.
type EquipmentFixture struct {
	Modality Modality `yaml:"modality"`
	Active   bool     `yaml:"active"`

	CTSliceCount          int  `yaml:"ct_slice_count,omitempty"`
	CTHasCardiac          bool `yaml:"ct_has_cardiac,omitempty"`
	CTHasContrastInjector bool `yaml:"ct_has_contrast_injector,omitempty"`
	CTDualEnergy          bool `yaml:"ct_dual_energy,omitempty"`

	MRIFieldStrengthTesla float64 `yaml:"mri_field_strength_tesla,omitempty"`
	MRIBoreWidthCM        int     `yaml:"mri_bore_width_cm,omitempty"`
	MRICardiac            bool    `yaml:"mri_cardiac,omitempty"`
	MRIWideBore           bool    `yaml:"mri_wide_bore,omitempty"`

	MammoThreeDTomo   bool `yaml:"mammo_3d_tomo,omitempty"`
	MammoStereoBiopsy bool `yaml:"mammo_stereo_biopsy,omitempty"`

	HasBariatricTable  bool `yaml:"has_bariatric_table,omitempty"`
	MaxPatientWeightKG int  `yaml:"max_patient_weight_kg,omitempty"`
}

// LoadCatalogFixture parses a YAML catalog file at path.
func LoadCatalogFixture(path string) (CatalogFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogFixture{}, fmt.Errorf("equipment: read catalog fixture %s: %w", path, err)
	}
	var fx CatalogFixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return CatalogFixture{}, fmt.Errorf("equipment: parse catalog fixture %s: %w", path, err)
	}
	return fx, nil
}

// Seed writes every location and equipment row in fx into store, for
// bootstrapping a fresh deployment's catalog from an ops-maintained YAML
// file rather than hand-written SQL.
func Seed(ctx context.Context, store *Store, fx CatalogFixture) (locations, rows int, err error) {
	for _, loc := range fx.Locations {
		if err := store.PutLocation(ctx, Location{ID: loc.ID, Name: loc.Name, Active: loc.Active}); err != nil {
			return locations, rows, fmt.Errorf("equipment: seed location %s: %w", loc.ID, err)
		}
		locations++
		for _, eq := range loc.Equipment {
			err := store.PutEquipment(ctx, Equipment{
				LocationID:            loc.ID,
				Modality:              eq.Modality,
				Active:                eq.Active,
				CTSliceCount:          eq.CTSliceCount,
				CTHasCardiac:          eq.CTHasCardiac,
				CTHasContrastInjector: eq.CTHasContrastInjector,
				CTDualEnergy:          eq.CTDualEnergy,
				MRIFieldStrengthTesla: eq.MRIFieldStrengthTesla,
				MRIBoreWidthCM:        eq.MRIBoreWidthCM,
				MRICardiac:            eq.MRICardiac,
				MRIWideBore:           eq.MRIWideBore,
				MammoThreeDTomo:       eq.MammoThreeDTomo,
				MammoStereoBiopsy:     eq.MammoStereoBiopsy,
				HasBariatricTable:     eq.HasBariatricTable,
				MaxPatientWeightKG:    eq.MaxPatientWeightKG,
			})
			if err != nil {
				return locations, rows, fmt.Errorf("equipment: seed equipment row for %s/%s: %w", loc.ID, eq.Modality, err)
			}
			rows++
		}
	}
	return locations, rows, nil
}
