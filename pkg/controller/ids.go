package controller

// JudgeJobID is the id the daily judge is always scheduled under.
const JudgeJobID = "optim_judge"

// SOCCheckJobID is the id of an inverter's SOC check.
func SOCCheckJobID(inverter string) string {
	return "optim_soc_check_inv_" + inverter
}

// ChargeJobID is the id of an inverter's charge in the optimization window.
func ChargeJobID(inverter string) string {
	return "optim_charge_battery_inv_" + inverter
}

// EndOfDayJobID is the id of an inverter's sunset charge.
func EndOfDayJobID(inverter string) string {
	return "optim_end_of_day_charge_inv_" + inverter
}
