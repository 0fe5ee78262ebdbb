// Package states holds the fixed list of Mexican birth-state options the
// portal's form accepts, in the stable order used for combination
// enumeration.
package states

// State pairs the display name used by the form with the official two-letter
// code submitted in the claveEntidad field.
type State struct {
	Name string
	Code string
}

// All lists the 33 selectable options in enumeration order. The order is
// load-bearing: combination indices and checkpoints depend on it.
var All = []State{
	{"Aguascalientes", "AS"},
	{"Baja California", "BC"},
	{"Baja California Sur", "BS"},
	{"Campeche", "CC"},
	{"Chiapas", "CS"},
	{"Chihuahua", "CH"},
	{"Coahuila", "CL"},
	{"Colima", "CM"},
	{"Durango", "DG"},
	{"Guanajuato", "GT"},
	{"Guerrero", "GR"},
	{"Hidalgo", "HG"},
	{"Jalisco", "JC"},
	{"Michoacán", "MN"},
	{"Morelos", "MS"},
	{"Nayarit", "NT"},
	{"Nuevo León", "NL"},
	{"Oaxaca", "OC"},
	{"Puebla", "PL"},
	{"Querétaro", "QT"},
	{"Quintana Roo", "QR"},
	{"San Luis Potosí", "SP"},
	{"Sinaloa", "SL"},
	{"Sonora", "SR"},
	{"Tabasco", "TC"},
	{"Tamaulipas", "TS"},
	{"Tlaxcala", "TL"},
	{"Veracruz", "VZ"},
	{"Yucatán", "YN"},
	{"Zacatecas", "ZS"},
	{"Ciudad de México", "DF"},
	{"Nacido en el extranjero", "NE"},
	{"Naturalizado mexicano", "NM"},
}

// Count is the number of selectable state options.
const Count = 33

var (
	nameByCode = map[string]string{}
	codeIndex  = map[string]int{}
)

func init() {
	for i, s := range All {
		nameByCode[s.Code] = s.Name
		codeIndex[s.Code] = i
	}
}

// CodeAt returns the state code at the given enumeration index.
func CodeAt(i int) string {
	return All[i].Code
}

// NameFor returns the display name for a code, or the code itself when
// unknown (extraction from a CURP can surface historic codes).
func NameFor(code string) string {
	if name, ok := nameByCode[code]; ok {
		return name
	}
	return code
}

// IndexOf returns the enumeration index for a code and whether it is known.
func IndexOf(code string) (int, bool) {
	i, ok := codeIndex[code]
	return i, ok
}
