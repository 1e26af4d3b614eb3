package forecast

import (
	"time"

	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/store"
)

// weatherSet memoizes per-day weather reads for one run.
type weatherSet struct {
	store *store.Store
	days  map[string]map[int]models.WeatherHour
}

func newWeatherSet(s *store.Store) *weatherSet {
	return &weatherSet{store: s, days: make(map[string]map[int]models.WeatherHour)}
}

func (w *weatherSet) day(date time.Time, kind string) (map[int]models.WeatherHour, error) {
	k := kind + "/" + date.Format(time.DateOnly)
	if d, ok := w.days[k]; ok {
		return d, nil
	}
	d, err := w.store.GetWeatherHours(date, kind)
	if err != nil {
		return nil, err
	}
	w.days[k] = d
	return d, nil
}

// at returns the weather for the hour starting at t, trying the preferred
// kind first. ErrNoWeather means neither kind has the hour.
func (w *weatherSet) at(t time.Time, preferObserved bool) (*models.WeatherHour, error) {
	kinds := []string{models.WeatherForecast, models.WeatherObserved}
	if preferObserved {
		kinds[0], kinds[1] = kinds[1], kinds[0]
	}
	date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for _, kind := range kinds {
		d, err := w.day(date, kind)
		if err != nil {
			return nil, err
		}
		if h, ok := d[t.Hour()]; ok {
			return &h, nil
		}
	}
	return nil, ErrNoWeather
}
