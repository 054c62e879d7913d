package compress

import "github.com/ecowatt-edge/firmware/internal/model"

// Summary renders a stable, sorted-by-method snapshot of the engine's
// telemetry counters, suitable for inclusion in the supervisor's periodic
// health report (spec.md §4.5/§4.9).
func (e *Engine) Summary() []MethodSummary {
	snap := e.Stats()
	order := []model.CompressionMethod{
		model.MethodDictionary,
		model.MethodTemporal1,
		model.MethodTemporal2,
		model.MethodRLE,
		model.MethodBitPack,
	}
	out := make([]MethodSummary, 0, len(order))
	for _, m := range order {
		st, ok := snap[m]
		if !ok {
			continue
		}
		out = append(out, MethodSummary{
			Method:        m,
			Invocations:   st.Invocations,
			SuccessCount:  st.SuccessCount,
			AverageRatio:  st.AverageRatio(),
			AverageMicros: st.AverageMicros(),
		})
	}
	return out
}

// MethodSummary is the flattened, loggable form of MethodStats for one
// compression method.
type MethodSummary struct {
	Method        model.CompressionMethod
	Invocations   int
	SuccessCount  int
	AverageRatio  float64
	AverageMicros float64
}
