// Package robust implements the RANSAC family of consensus searches.
//
// One engine, Consensus, is parameterised by a Sampler that decides which
// minimal subsets are drawn (uniformly, or progressively from a quality
// ranked pool as in PROSAC) and a Scorer that ranks candidates (inlier count,
// truncated quadratic cost as in MSAC, or median residual as in LMedS).
// The fitted model is opaque to the engine: a Problem fits parameter vectors
// from samples and reports residuals for every datum.
package robust
