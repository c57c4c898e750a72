package geo

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lox/worldaq/internal/models"
)

// Cities is the world-cities catalog keyed by ASCII name and ISO-2 country.
type Cities struct {
	byKey map[string]models.City
}

// LoadCities reads worldcities.csv (city_ascii, iso2, lat, lng columns).
func LoadCities(path string) (*Cities, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CatalogError{Path: path, Err: err}
	}
	defer f.Close()

	c, err := ParseCities(f)
	if err != nil {
		return nil, &CatalogError{Path: path, Err: err}
	}
	return c, nil
}

// ParseCities parses a world-cities table. The first row for a given
// name/country pair wins.
func ParseCities(r io.Reader) (*Cities, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, err
	}
	idx, err := columns(header, "city_ascii", "iso2", "lat", "lng")
	if err != nil {
		return nil, err
	}

	c := &Cities{byKey: make(map[string]models.City, len(rows))}
	for _, row := range rows {
		name := cell(row, idx["city_ascii"])
		country := cell(row, idx["iso2"])
		lat, err1 := strconv.ParseFloat(cell(row, idx["lat"]), 64)
		lng, err2 := strconv.ParseFloat(cell(row, idx["lng"]), 64)
		if name == "" || err1 != nil || err2 != nil {
			continue
		}
		key := cityKey(name, country)
		if _, exists := c.byKey[key]; exists {
			continue
		}
		c.byKey[key] = models.City{Name: name, Country: country, Latitude: lat, Longitude: lng}
	}
	return c, nil
}

// Lookup finds a city by case-insensitive ASCII name and exact ISO-2 code.
func (c *Cities) Lookup(name, country string) (models.City, bool) {
	city, ok := c.byKey[cityKey(name, country)]
	return city, ok
}

func (c *Cities) Len() int {
	return len(c.byKey)
}

// LookupAll resolves every requested city, returning an error naming the
// ones that could not be found.
func (c *Cities) LookupAll(refs []models.City) ([]models.City, error) {
	var (
		found   []models.City
		missing []string
	)
	for _, ref := range refs {
		city, ok := c.Lookup(ref.Name, ref.Country)
		if !ok {
			missing = append(missing, ref.String())
			continue
		}
		found = append(found, city)
	}
	if len(missing) > 0 {
		return found, fmt.Errorf("cities not in catalog: %s", strings.Join(missing, ", "))
	}
	return found, nil
}

func cityKey(name, country string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + strings.TrimSpace(country)
}
