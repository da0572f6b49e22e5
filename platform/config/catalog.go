package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"iris_platform/platform/schema"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// ServiceSpec describes one inference service and its allowed confirmation
// labels. The catalog is the source of truth for label validation.
type ServiceSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Labels      []string `yaml:"labels"`
}

type Catalog struct {
	Services []ServiceSpec `yaml:"services"`
}

func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("error reading service catalog '%v': %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("error parsing service catalog '%v': %w", path, err)
	}

	if err := catalog.validate(); err != nil {
		return Catalog{}, err
	}

	return catalog, nil
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Services: []ServiceSpec{
			{
				Name:        "iris",
				Description: "Iris species classification",
				Labels:      []string{"setosa", "versicolor", "virginica"},
			},
		},
	}
}

func (c Catalog) validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("service catalog must define at least one service")
	}
	for _, service := range c.Services {
		if service.Name == "" {
			return fmt.Errorf("service catalog contains a service with no name")
		}
		if len(service.Labels) == 0 {
			return fmt.Errorf("service '%v' must define at least one label", service.Name)
		}
	}
	return nil
}

// Seed upserts the catalog entries into the services table. Existing rows
// keep their ids so prediction results stay linked across restarts.
func (c Catalog) Seed(db *gorm.DB) error {
	return db.Transaction(func(txn *gorm.DB) error {
		for _, spec := range c.Services {
			var existing schema.Service
			result := txn.Limit(1).Find(&existing, "name = ?", spec.Name)
			if result.Error != nil {
				return result.Error
			}

			if result.RowsAffected == 0 {
				service := schema.Service{
					Id:          uuid.New(),
					Name:        spec.Name,
					Description: spec.Description,
					Labels:      strings.Join(spec.Labels, ","),
					IsActive:    true,
					CreatedAt:   time.Now().UTC(),
				}
				if err := txn.Create(&service).Error; err != nil {
					return err
				}
			} else {
				existing.Description = spec.Description
				existing.Labels = strings.Join(spec.Labels, ",")
				if err := txn.Save(&existing).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
