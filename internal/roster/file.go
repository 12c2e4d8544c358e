package roster

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// File is the YAML document loaded by `bustrack roster import`.
//
//	routes:
//	  - id: R1
//	    name: North loop
//	    stops:
//	      - {id: R1-01, number: 1, name: Elm St, scheduled_time: "07:05", lat: 40.41, lon: -3.70}
//	    students:
//	      - {student_id: S1, stop_id: R1-01, direction: morning}
type File struct {
	Routes []RouteFile `yaml:"routes" validate:"required,min=1,dive"`
}

type RouteFile struct {
	Route    `yaml:",inline"`
	Students []Assignment `yaml:"students" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("daytime", func(fl validator.FieldLevel) bool {
		return validDayTime(fl.Field().String())
	})
	return v
}

// Load reads and validates a roster file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a roster document.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks field constraints plus the cross-references a struct tag
// cannot express: unique ids, unique stop numbers and student stops that
// belong to their route.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid roster: %w", err)
	}
	routeIDs := make(map[string]bool)
	stopIDs := make(map[string]bool)
	for i := range f.Routes {
		r := &f.Routes[i]
		if routeIDs[r.ID] {
			return fmt.Errorf("invalid roster: duplicate route %q", r.ID)
		}
		routeIDs[r.ID] = true

		numbers := make(map[int]bool)
		for j := range r.Stops {
			s := &r.Stops[j]
			s.RouteID = r.ID
			if stopIDs[s.ID] {
				return fmt.Errorf("invalid roster: duplicate stop %q", s.ID)
			}
			stopIDs[s.ID] = true
			if numbers[s.Number] {
				return fmt.Errorf("invalid roster: route %q has two stops numbered %d", r.ID, s.Number)
			}
			numbers[s.Number] = true
			if (s.Lat == nil) != (s.Lon == nil) {
				return fmt.Errorf("invalid roster: stop %q needs both lat and lon", s.ID)
			}
		}

		seen := make(map[string]bool)
		for j := range r.Students {
			a := &r.Students[j]
			a.RouteID = r.ID
			if _, ok := r.Stop(a.StopID); !ok {
				return fmt.Errorf("invalid roster: student %q assigned to stop %q outside route %q", a.StudentID, a.StopID, r.ID)
			}
			key := a.Direction + "/" + a.StudentID
			if seen[key] {
				return fmt.Errorf("invalid roster: student %q listed twice for %s on route %q", a.StudentID, a.Direction, r.ID)
			}
			seen[key] = true
		}
	}
	return nil
}
