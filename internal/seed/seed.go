package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

const patientBatchSize = 500

type Options struct {
	Caregivers int
	Patients   int
	// Days of availability generated per caregiver, starting at From.
	Days int
	From time.Time
	// Working hours (UTC) of each generated availability window.
	DayStartHour int
	DayEndHour   int
	Seed         uint64
}

func DefaultOptions(now time.Time) Options {
	return Options{
		Caregivers:   100,
		Patients:     9000,
		Days:         7,
		From:         now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour),
		DayStartHour: 8,
		DayEndHour:   20,
		Seed:         uint64(now.UnixNano()),
	}
}

type Result struct {
	Specialties []appointment.Specialty
	Caregivers  []appointment.Caregiver
	Patients    []appointment.Patient
	Slots       int
}

var specialtyCatalog = []struct {
	name       string
	bookingFee string
	multiplier string
}{
	{"Companionship", "10.00", "1.0"},
	{"Post-operative Care", "25.00", "1.5"},
	{"Dementia Care", "20.00", "1.4"},
	{"Palliative Care", "30.00", "1.6"},
	{"Wound Care", "20.00", "1.3"},
	{"Physiotherapy", "15.00", "1.2"},
	{"Medication Management", "10.00", "1.1"},
}

// Run creates specialties, caregivers, patients and their open slots. Slots
// go through the slot manager so pricing and overlap rules match live data.
func Run(ctx context.Context, store appointment.Store, slots *appointment.SlotManager, opts Options, log zerolog.Logger) (*Result, error) {
	if opts.DayEndHour <= opts.DayStartHour {
		return nil, fmt.Errorf("seed: day end hour %d must be after start hour %d", opts.DayEndHour, opts.DayStartHour)
	}
	faker := gofakeit.New(opts.Seed)
	res := &Result{}

	log.Info().Int("count", len(specialtyCatalog)).Msg("seeding specialties")
	for _, item := range specialtyCatalog {
		s := appointment.Specialty{
			Name:           item.name,
			BookingFee:     decimal.RequireFromString(item.bookingFee),
			RateMultiplier: decimal.RequireFromString(item.multiplier),
		}
		if err := store.CreateSpecialty(ctx, &s); err != nil {
			return nil, fmt.Errorf("seed specialty %q: %w", item.name, err)
		}
		res.Specialties = append(res.Specialties, s)
	}

	log.Info().Int("count", opts.Caregivers).Msg("seeding caregivers")
	for i := 0; i < opts.Caregivers; i++ {
		specialty := res.Specialties[faker.Number(0, len(res.Specialties)-1)]
		c := appointment.Caregiver{
			Name:        faker.Name(),
			SpecialtyID: &specialty.ID,
			HourlyRate:  decimal.NewFromInt(int64(faker.Number(25, 60))),
		}
		if err := store.CreateCaregiver(ctx, &c); err != nil {
			return nil, fmt.Errorf("seed caregiver: %w", err)
		}
		res.Caregivers = append(res.Caregivers, c)
	}

	if err := seedPatients(ctx, store, faker, opts.Patients, res, log); err != nil {
		return nil, err
	}

	from := opts.From.UTC()
	for _, c := range res.Caregivers {
		for d := 0; d < opts.Days; d++ {
			day := from.AddDate(0, 0, d)
			window := appointment.AvailabilityWindow{
				Start: day.Add(time.Duration(opts.DayStartHour) * time.Hour),
				End:   day.Add(time.Duration(opts.DayEndHour) * time.Hour),
			}
			generated, err := slots.GenerateSlots(ctx, c.ID, window, 0)
			if err != nil {
				return nil, fmt.Errorf("seed slots for caregiver %s: %w", c.ID, err)
			}
			res.Slots += len(generated)
		}
	}
	log.Info().Int("slots", res.Slots).Msg("slots seeded")

	return res, nil
}

func seedPatients(ctx context.Context, store appointment.Store, faker *gofakeit.Faker, count int, res *Result, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding patients")

	for offset := 0; offset < count; offset += patientBatchSize {
		end := min(offset+patientBatchSize, count)

		batch := make([]appointment.Patient, 0, end-offset)
		err := store.InTx(ctx, func(ctx context.Context, repo appointment.Repository) error {
			for i := offset; i < end; i++ {
				email := faker.Email()
				p := appointment.Patient{Name: faker.Name(), Email: &email}
				if err := repo.CreatePatient(ctx, &p); err != nil {
					return err
				}
				batch = append(batch, p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("seed patients: %w", err)
		}
		res.Patients = append(res.Patients, batch...)

		log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}
