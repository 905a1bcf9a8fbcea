package mysensors

import (
	"strconv"

	"owrelay-go/x/mathx"
)

// FormatMilliC renders a temperature with one decimal, in °C when metric
// and °F otherwise. Halves round away from zero.
func FormatMilliC(milliC int32, metric bool) string {
	v := int64(milliC)
	if !metric {
		v = v*9/5 + 32000
	}
	tenths := mathx.RoundDiv(v, 100)
	sign := ""
	if tenths < 0 {
		sign = "-"
	}
	a := mathx.Abs(tenths)
	return sign + strconv.FormatInt(a/10, 10) + "." + strconv.FormatInt(a%10, 10)
}
