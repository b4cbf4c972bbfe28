package robust

// Problem is a data set the consensus engine can fit models to.
type Problem interface {
	// Len is the number of data.
	Len() int
	// Fit estimates model parameters from the data at the given indices.
	// It returns false when the sample is degenerate.
	Fit(sample []int) ([]float64, bool)
	// Residuals writes the signed residual of every datum under params into dst.
	Residuals(params []float64, dst []float64)
}

// Observer receives synchronous progress notifications from a run.
type Observer interface {
	OnIteration(iteration int)
	OnProgress(progress float64)
}
