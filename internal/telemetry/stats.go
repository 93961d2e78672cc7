// Package telemetry aggregates per-tick simulation summaries into
// windowed statistics and writes them as CSV for offline analysis.
package telemetry

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/world"
)

// WindowStats is one aggregated row of telemetry.csv.
type WindowStats struct {
	WindowEndTick uint64 `csv:"window_end"`

	PreyCount int `csv:"prey"`
	PredCount int `csv:"pred"`

	Births int `csv:"births"`
	Deaths int `csv:"deaths"`
	Kills  int `csv:"kills"`
	Faults int `csv:"faults"`

	PreyEnergyMean float64 `csv:"prey_energy_mean"`
	PreyEnergyP10  float64 `csv:"prey_energy_p10"`
	PreyEnergyP50  float64 `csv:"prey_energy_p50"`
	PreyEnergyP90  float64 `csv:"prey_energy_p90"`

	PredEnergyMean float64 `csv:"pred_energy_mean"`
	PredEnergyP10  float64 `csv:"pred_energy_p10"`
	PredEnergyP50  float64 `csv:"pred_energy_p50"`
	PredEnergyP90  float64 `csv:"pred_energy_p90"`

	StepMean float64 `csv:"step_ms_mean"`
	StepMax  float64 `csv:"step_ms_max"`
}

func computeWindow(end uint64, summaries []world.Summary) WindowStats {
	ws := WindowStats{WindowEndTick: end}
	if len(summaries) == 0 {
		return ws
	}

	var stepTimes []float64
	for _, s := range summaries {
		ws.Births += s.Births
		ws.Deaths += s.Deaths
		ws.Kills += s.Kills
		ws.Faults += s.Faults
		stepTimes = append(stepTimes, s.StepMillis)
		if s.StepMillis > ws.StepMax {
			ws.StepMax = s.StepMillis
		}
	}
	ws.StepMean = stat.Mean(stepTimes, nil)

	// Populations and energy distributions come from the window's last tick.
	last := summaries[len(summaries)-1]
	var preyEnergy, predEnergy []float64
	for _, a := range last.Agents {
		if !a.Alive {
			continue
		}
		if a.Kind == protocol.KindPredator {
			ws.PredCount++
			predEnergy = append(predEnergy, float64(a.Energy))
		} else {
			ws.PreyCount++
			preyEnergy = append(preyEnergy, float64(a.Energy))
		}
	}
	ws.PreyEnergyMean, ws.PreyEnergyP10, ws.PreyEnergyP50, ws.PreyEnergyP90 = energyStats(preyEnergy)
	ws.PredEnergyMean, ws.PredEnergyP10, ws.PredEnergyP50, ws.PredEnergyP90 = energyStats(predEnergy)
	return ws
}

func energyStats(values []float64) (mean, p10, p50, p90 float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mean = stat.Mean(sorted, nil)
	p10 = stat.Quantile(0.10, stat.Empirical, sorted, nil)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p90 = stat.Quantile(0.90, stat.Empirical, sorted, nil)
	return mean, p10, p50, p90
}
