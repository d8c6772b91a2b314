package qp

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LDP projects by solving the least distance program
//
//	min ‖z‖  s.t.  G z ≥ h
//
// through the nonnegative least squares problem on its dual (Lawson and
// Hanson, chapter 23). Equality rows are removed first by restricting the
// search to the null space of the equality block.
type LDP struct {
	// MaxIter bounds the NNLS outer iterations. Zero means 3 × #constraints.
	MaxIter int
}

func (LDP) Name() string { return "ldp" }

func (l LDP) Solve(ctx context.Context, x0 []float64, c Constraints, tol float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(x0)
	scale := scaleOf(x0)

	eq, err := normalized(c.Eq, true, tol)
	if err != nil {
		return nil, err
	}
	ineq, err := normalized(c.Ineq, false, tol)
	if err != nil {
		return nil, err
	}

	var x []float64
	if len(eq) == 0 {
		x, err = l.project(x0, ineq, tol)
		if err != nil {
			return nil, err
		}
	} else {
		xp, basis, err := nullSpace(eq, n, tol*scale)
		if err != nil {
			return nil, err
		}
		if basis == nil {
			// The equalities pin down a single point.
			if (Constraints{Ineq: ineq}).Violation(xp) > tol*scale {
				return nil, ErrInfeasible
			}
			x = xp
		} else {
			_, k := basis.Dims()
			// w0 = Nᵀ(x0 − xp) is the unconstrained optimum in null space
			// coordinates.
			diff := make([]float64, n)
			floats.SubTo(diff, x0, xp)
			w0 := make([]float64, k)
			mat.NewVecDense(k, w0).MulVec(basis.T(), mat.NewVecDense(n, diff))

			reduced := make([]Row, len(ineq))
			for i, r := range ineq {
				a := make([]float64, k)
				mat.NewVecDense(k, a).MulVec(basis.T(), mat.NewVecDense(n, r.A))
				reduced[i] = Row{A: a, B: r.B - floats.Dot(r.A, xp)}
			}
			reduced, err = normalized(reduced, false, tol*scale)
			if err != nil {
				return nil, err
			}
			w, err := l.project(w0, reduced, tol)
			if err != nil {
				return nil, err
			}
			x = make([]float64, n)
			mat.NewVecDense(n, x).MulVec(basis, mat.NewVecDense(k, w))
			floats.Add(x, xp)
		}
	}

	if v := (Constraints{Eq: eq, Ineq: ineq}).Violation(x); v > tol*scale {
		return nil, ErrNotConverged
	}
	return x, nil
}

// eps is the float64 machine epsilon.
const eps = 0x1p-52

// project handles the inequality-only case: with z = x − x0 the constraint
// a·x ≤ b reads (−a)·z ≥ a·x0 − b. The result must satisfy complementary
// slackness, otherwise it is feasible but not the nearest point.
func (l LDP) project(x0 []float64, rows []Row, tol float64) ([]float64, error) {
	x := append([]float64(nil), x0...)
	if len(rows) == 0 {
		return x, nil
	}
	n := len(x0)
	g := mat.NewDense(len(rows), n, nil)
	h := make([]float64, len(rows))
	for i, r := range rows {
		for j, v := range r.A {
			g.Set(i, j, -v)
		}
		h[i] = floats.Dot(r.A, x0) - r.B
	}
	maxIter := l.MaxIter
	if maxIter <= 0 {
		maxIter = 3 * len(rows)
	}
	z, lambda, err := ldp(g, h, maxIter)
	if err != nil {
		return nil, err
	}
	floats.Add(x, z)

	bound := tol * scaleOf(x0) * floats.Norm(z, 2)
	for i, r := range rows {
		if lambda[i] == 0 {
			continue
		}
		slack := math.Max(0, r.B-floats.Dot(r.A, x))
		if lambda[i]*slack > bound {
			return nil, ErrNotConverged
		}
	}
	return x, nil
}

// ldp solves min ‖z‖ s.t. g z ≥ h and returns z with the multipliers of the
// rows of g. h is divided by its largest entry first so that the
// infeasibility test does not depend on the distance being computed.
func ldp(g *mat.Dense, h []float64, maxIter int) ([]float64, []float64, error) {
	m, n := g.Dims()

	// Trivially satisfied at z = 0.
	hmax := floats.Max(h)
	if hmax <= 0 {
		return make([]float64, n), make([]float64, m), nil
	}

	e := mat.NewDense(n+1, m, nil)
	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			e.Set(i, j, g.At(j, i))
		}
		e.Set(n, j, h[j]/hmax)
	}
	f := make([]float64, n+1)
	f[n] = 1

	u, err := nnls(e, f, maxIter)
	if err != nil {
		return nil, nil, err
	}

	r := make([]float64, n+1)
	mat.NewVecDense(n+1, r).MulVec(e, mat.NewVecDense(m, u))
	floats.Sub(r, f)

	// −r[n] = 1 − hᵀu vanishes exactly when the constraints are incompatible.
	fac := -r[n]
	if math.IsNaN(fac) || fac < 16*eps || floats.Norm(r, 2) <= eps {
		return nil, nil, ErrInfeasible
	}
	z := make([]float64, n)
	floats.ScaleTo(z, hmax/fac, r[:n])
	floats.Scale(hmax/fac, u)
	return z, u, nil
}

// nnls is the Lawson–Hanson active set method for min ‖E u − f‖, u ≥ 0.
func nnls(e *mat.Dense, f []float64, maxIter int) ([]float64, error) {
	rows, cols := e.Dims()
	u := make([]float64, cols)
	passive := make([]bool, cols)
	skip := make([]bool, cols)
	resid := make([]float64, rows)
	w := make([]float64, cols)

	gradTol := 1e-12 * math.Max(1, mat.Norm(e, math.Inf(1)))

	for iter := 0; iter < maxIter; iter++ {
		mat.NewVecDense(rows, resid).MulVec(e, mat.NewVecDense(cols, u))
		floats.SubTo(resid, f, resid)
		mat.NewVecDense(cols, w).MulVec(e.T(), mat.NewVecDense(rows, resid))

		j, best := -1, gradTol
		for k := range w {
			if !passive[k] && !skip[k] && w[k] > best {
				j, best = k, w[k]
			}
		}
		if j < 0 {
			return u, nil
		}
		passive[j] = true

		first := true
		for inner := 0; inner <= cols; inner++ {
			z := solvePassive(e, f, passive)
			if first && z[j] <= 0 {
				// Rounding made the entering column useless; ignore it until
				// the iterate moves.
				passive[j] = false
				skip[j] = true
				break
			}
			first = false

			alpha, blocked := 1.0, false
			for k := range z {
				if !passive[k] || z[k] > 0 {
					continue
				}
				blocked = true
				a := 0.0
				if d := u[k] - z[k]; d > 0 {
					a = u[k] / d
				}
				alpha = math.Min(alpha, a)
			}
			if !blocked {
				copy(u, z)
				clear(skip)
				break
			}
			for k := range u {
				if !passive[k] {
					continue
				}
				u[k] += alpha * (z[k] - u[k])
				if u[k] <= 1e-15 {
					u[k] = 0
					passive[k] = false
				}
			}
			clear(skip)
		}
	}
	return u, ErrNotConverged
}

// solvePassive returns the least squares solution over the passive columns,
// zero elsewhere.
func solvePassive(e *mat.Dense, f []float64, passive []bool) []float64 {
	rows, cols := e.Dims()
	var idx []int
	for k, p := range passive {
		if p {
			idx = append(idx, k)
		}
	}
	out := make([]float64, cols)
	if len(idx) == 0 {
		return out
	}
	sub := mat.NewDense(rows, len(idx), nil)
	for c, k := range idx {
		for r := 0; r < rows; r++ {
			sub.Set(r, c, e.At(r, k))
		}
	}
	z := lstsq(sub, f)
	for c, k := range idx {
		out[k] = z[c]
	}
	return out
}

// lstsq returns the minimum norm least squares solution of a x = b using a
// thin SVD with a relative rank cutoff.
func lstsq(a *mat.Dense, b []float64) []float64 {
	rows, cols := a.Dims()
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return make([]float64, cols)
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 1e-12 * float64(max(rows, cols))
	if len(s) > 0 {
		cutoff *= s[0]
	}
	x := make([]float64, cols)
	for i, sv := range s {
		if sv <= cutoff {
			break
		}
		var coef float64
		for r := 0; r < rows; r++ {
			coef += u.At(r, i) * b[r]
		}
		coef /= sv
		for c := 0; c < cols; c++ {
			x[c] += coef * v.At(c, i)
		}
	}
	return x
}

// nullSpace returns the minimum norm solution xp of the equality rows and an
// orthonormal basis of their null space (nil when the rows have full column
// rank).
func nullSpace(rows []Row, n int, tol float64) ([]float64, *mat.Dense, error) {
	a := mat.NewDense(len(rows), n, nil)
	b := make([]float64, len(rows))
	for i, r := range rows {
		a.SetRow(i, r.A)
		b[i] = r.B
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, nil, ErrNotConverged
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 1e-12 * float64(max(len(rows), n))
	if len(s) > 0 {
		cutoff *= s[0]
	}
	rank := 0
	for _, sv := range s {
		if sv > cutoff {
			rank++
		}
	}

	xp := make([]float64, n)
	for i := 0; i < rank; i++ {
		var coef float64
		for r := range rows {
			coef += u.At(r, i) * b[r]
		}
		coef /= s[i]
		for c := 0; c < n; c++ {
			xp[c] += coef * v.At(c, i)
		}
	}

	res := make([]float64, len(rows))
	mat.NewVecDense(len(rows), res).MulVec(a, mat.NewVecDense(n, xp))
	floats.Sub(res, b)
	if floats.Norm(res, math.Inf(1)) > tol {
		return nil, nil, ErrInfeasible
	}

	if rank == n {
		return xp, nil, nil
	}
	basis := mat.DenseCopyOf(v.Slice(0, n, rank, n))
	return xp, basis, nil
}
