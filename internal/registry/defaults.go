package registry

// DefaultReports returns the compiled-in report set. The bootstrap seeds
// these into the database and merges them under any operator edits.
func DefaultReports() []ReportConfig {
	return []ReportConfig{
		{
			ReportID:  "PK600_MORNING_CASH",
			Name:      "PK600 Morning Cash",
			Endpoints: []EndpointConfig{{ReportNumber: 2674, ReportPath: "National Volume and Price Data"}},
			Windows:   []PollingWindow{{Start: ClockTime{Hour: 6, Minute: 30}, End: ClockTime{Hour: 9}}},
			Polling: PollingRule{
				InsideCadenceSec:    300,
				OutsideCadenceSec:   900,
				MaxLateHours:        6,
				ErrorBackoffBaseSec: 120,
				ErrorBackoffMaxSec:  1800,
				JitterSec:           30,
			},
			DateSearchWindowDays: 1,
			Schema: ReportSchema{
				ReportID:       "PK600_MORNING_CASH",
				RequiredFields: []string{"head_count", "wtd_avg", "price_low", "price_high"},
				SelectRule:     SelectRule{Type: SelectDateMatch},
			},
		},
		{
			ReportID:  "PK600_AFTERNOON_CASH",
			Name:      "PK600 Afternoon Cash",
			Endpoints: []EndpointConfig{{ReportNumber: 2675, ReportPath: "National Volume and Price Data"}},
			Windows:   []PollingWindow{{Start: ClockTime{Hour: 12}, End: ClockTime{Hour: 14, Minute: 30}}},
			Polling: PollingRule{
				InsideCadenceSec:    300,
				OutsideCadenceSec:   900,
				MaxLateHours:        6,
				ErrorBackoffBaseSec: 120,
				ErrorBackoffMaxSec:  1800,
				JitterSec:           30,
			},
			DateSearchWindowDays: 1,
			Schema: ReportSchema{
				ReportID:       "PK600_AFTERNOON_CASH",
				RequiredFields: []string{"head_count", "wtd_avg", "price_low", "price_high"},
				SelectRule:     SelectRule{Type: SelectDateMatch},
			},
		},
		{
			ReportID: "PK600_AFTERNOON_CUTOUT",
			Name:     "PK600 Afternoon Pork Cutout",
			Endpoints: []EndpointConfig{
				{ReportNumber: 2498, ReportPath: "Cutout and Primal Values"},
				{ReportNumber: 2498, ReportPath: "Change From Prior Day"},
			},
			Windows: []PollingWindow{{Start: ClockTime{Hour: 12}, End: ClockTime{Hour: 14, Minute: 30}}},
			Polling: PollingRule{
				InsideCadenceSec:    300,
				OutsideCadenceSec:   900,
				MaxLateHours:        6,
				ErrorBackoffBaseSec: 120,
				ErrorBackoffMaxSec:  1800,
				JitterSec:           30,
			},
			DateSearchWindowDays: 1,
			Schema: ReportSchema{
				ReportID: "PK600_AFTERNOON_CUTOUT",
				RequiredFields: []string{
					"total_loads_date_1",
					"pork_carcass", "pork_loin", "pork_butt", "pork_picnic",
					"pork_rib", "pork_ham", "pork_belly",
				},
				SelectRule: SelectRule{Type: SelectDateMatch},
			},
		},
		{
			ReportID: "XB402_AFTERNOON_CUTOUT",
			Name:     "XB402 Afternoon Beef Cutout",
			Endpoints: []EndpointConfig{
				{ReportNumber: 2453, ReportPath: "Current Cutout Values"},
				{ReportNumber: 2453, ReportPath: "Change From Prior Day"},
				{ReportNumber: 2453, ReportPath: "Current Volume"},
			},
			Windows: []PollingWindow{{Start: ClockTime{Hour: 12}, End: ClockTime{Hour: 15}}},
			Polling: PollingRule{
				InsideCadenceSec:    300,
				OutsideCadenceSec:   900,
				MaxLateHours:        6,
				ErrorBackoffBaseSec: 120,
				ErrorBackoffMaxSec:  1800,
				JitterSec:           30,
			},
			DateSearchWindowDays: 1,
			Schema: ReportSchema{
				ReportID:       "XB402_AFTERNOON_CUTOUT",
				RequiredFields: []string{"cutout_value", "volume"},
				SelectRule:     SelectRule{Type: SelectDateMatch},
			},
		},
		{
			ReportID:  "HG201_CME_INDEX",
			Name:      "HG201 CME Index",
			Endpoints: []EndpointConfig{{ReportNumber: 2511, ReportPath: "Barrows/Gilts"}},
			Windows:   []PollingWindow{{Start: ClockTime{Hour: 13}, End: ClockTime{Hour: 16, Minute: 30}}},
			Polling: PollingRule{
				InsideCadenceSec:    600,
				OutsideCadenceSec:   1800,
				MaxLateHours:        8,
				ErrorBackoffBaseSec: 180,
				ErrorBackoffMaxSec:  3600,
				JitterSec:           60,
			},
			NeedsPriorDay:        true,
			DateSearchWindowDays: 7,
			Schema: ReportSchema{
				ReportID:       "HG201_CME_INDEX",
				RequiredFields: []string{"index_value", "two_day_total_weight"},
				SelectRule: SelectRule{
					Type:  SelectFieldEquals,
					Field: "purchase_type",
					Value: "Prod. Sold (All Purchase Types)",
				},
			},
		},
		{
			ReportID:  "PK600_MORNING_CUTOUT_PDF",
			Name:      "PK600 Morning Pork Cutout (PDF)",
			Endpoints: []EndpointConfig{{AbsoluteURL: "https://www.ams.usda.gov/mnreports/ams_2496.pdf"}},
			Windows:   []PollingWindow{{Start: ClockTime{Hour: 6, Minute: 30}, End: ClockTime{Hour: 9}}},
			Polling: PollingRule{
				InsideCadenceSec:    600,
				OutsideCadenceSec:   1800,
				MaxLateHours:        6,
				ErrorBackoffBaseSec: 180,
				ErrorBackoffMaxSec:  3600,
				JitterSec:           60,
			},
			DateSearchWindowDays: 1,
			Schema: ReportSchema{
				ReportID: "PK600_MORNING_CUTOUT_PDF",
				RequiredFields: []string{
					"loads", "carcass", "loin", "butt", "pic", "rib", "ham", "belly",
					"change_carcass", "change_loin", "change_butt", "change_pic",
					"change_rib", "change_ham", "change_belly",
					"text_excerpt", "page_count",
				},
				SelectRule: SelectRule{Type: SelectRowIndex, Index: 0},
			},
		},
	}
}

// SeedRecipient is a default subscriber seeded on first boot.
type SeedRecipient struct {
	Email   string
	Name    string
	Reports []string
}

// DefaultRecipients returns the recipients seeded into an empty database.
func DefaultRecipients() []SeedRecipient {
	return []SeedRecipient{
		{Email: "recipient@example.com", Name: "Example Recipient", Reports: []string{"PK600_MORNING_CASH"}},
	}
}
