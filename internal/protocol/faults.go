package protocol

import "fmt"

// faultCodes maps byte index and bit index of the 0x98 payload to a message.
var faultCodes = [][]string{
	{
		"cell voltage is too high level one alarm",
		"cell voltage is too high level two alarm",
		"cell voltage is too low level one alarm",
		"cell voltage is too low level two alarm",
		"total voltage is too high level one alarm",
		"total voltage is too high level two alarm",
		"total voltage is too low level one alarm",
		"total voltage is too low level two alarm",
	},
	{
		"charging temperature too high level one alarm",
		"charging temperature too high level two alarm",
		"charging temperature too low level one alarm",
		"charging temperature too low level two alarm",
		"discharge temperature is too high level one alarm",
		"discharge temperature is too high level two alarm",
		"discharge temperature is too low level one alarm",
		"discharge temperature is too low level two alarm",
	},
	{
		"charge over current level one alarm",
		"charge over current level two alarm",
		"discharge over current level one alarm",
		"discharge over current level two alarm",
		"SOC is too high level one alarm",
		"SOC is too high level two alarm",
		"SOC is too low level one alarm",
		"SOC is too low level two alarm",
	},
	{
		"excessive differential pressure level one alarm",
		"excessive differential pressure level two alarm",
		"excessive temperature difference level one alarm",
		"excessive temperature difference level two alarm",
	},
	{
		"charging MOS overtemperature warning",
		"discharge MOS overtemperature warning",
		"charging MOS temperature detection sensor failure",
		"discharge MOS temperature detection sensor failure",
		"charging MOS adhesion failure",
		"discharge MOS adhesion failure",
		"charging MOS breaker failure",
		"discharge MOS breaker failure",
	},
	{
		"AFE acquisition chip malfunction",
		"monomer collect drop off",
		"single temperature sensor failure",
		"EEPROM storage failures",
		"RTC clock malfunction",
		"precharge failure",
		"vehicle communication malfunction",
		"intranet communication module malfunction",
	},
	{
		"current module failure",
		"main pressure detection module",
		"short circuit protection failure",
		"low voltage no charging",
	},
}

// Messages lists the active faults in byte then bit order. Bits without a
// known meaning are reported by position.
func (f FaultBits) Messages() []string {
	var out []string
	for byteIndex, b := range f {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			if byteIndex < len(faultCodes) && bit < len(faultCodes[byteIndex]) {
				out = append(out, faultCodes[byteIndex][bit])
				continue
			}
			out = append(out, fmt.Sprintf("unknown fault at byte=%d bit=%d", byteIndex, bit))
		}
	}
	return out
}
