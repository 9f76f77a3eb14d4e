package glucose

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Units selects how values are shown. Classification always uses mg/dL.
type Units string

const (
	UnitsMgdl Units = "mg/dl"
	UnitsMmol Units = "mmol"
)

var mgdlPerMmol = decimal.RequireFromString("18.0182")

// ParseUnits normalises a configured unit name. Empty selects mg/dL.
func ParseUnits(value string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "mg/dl", "mgdl":
		return UnitsMgdl, nil
	case "mmol", "mmol/l":
		return UnitsMmol, nil
	default:
		return "", fmt.Errorf("unknown glucose units %q", value)
	}
}

// Label returns the unit suffix used in the tooltip.
func (u Units) Label() string {
	if u == UnitsMmol {
		return "mmol/L"
	}
	return "mg/dL"
}

// FormatValue renders a mg/dL value in the selected units.
func (u Units) FormatValue(mgdl int) string {
	if u != UnitsMmol {
		return strconv.Itoa(mgdl)
	}
	return toMmol(mgdl).StringFixed(1)
}

// FormatDelta renders a mg/dL difference with an explicit sign.
func (u Units) FormatDelta(mgdl int) string {
	if u != UnitsMmol {
		return fmt.Sprintf("%+d", mgdl)
	}
	v := toMmol(mgdl)
	if v.Sign() >= 0 {
		return "+" + v.StringFixed(1)
	}
	return v.StringFixed(1)
}

func toMmol(mgdl int) decimal.Decimal {
	return decimal.NewFromInt(int64(mgdl)).DivRound(mgdlPerMmol, 1)
}
