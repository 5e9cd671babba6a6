package model

import "time"

// TelemetrySample is one 15-minute consumption reading for a customer.
type TelemetrySample struct {
	CustomerID string
	Timestamp  time.Time
	Watts      float64
	TempC      *float64 // nil when the meter reported no temperature
}

// CustomerProfile is the reference data used to build features.
type CustomerProfile struct {
	ID                 string   `json:"id"`
	Segment            string   `json:"segment"`
	City               string   `json:"city"`
	ContractedPowerKVA float64  `json:"contracted_power_kva"`
	Tariff             string   `json:"tariff"`
	HomeAreaM2         *float64 `json:"home_area_m2,omitempty"`
	HouseholdSize      *int     `json:"household_size,omitempty"`
	HasSolar           *bool    `json:"has_solar,omitempty"`
	EVCount            *int     `json:"ev_count,omitempty"`
	PriceEURPerKWh     *float64 `json:"price_eur_per_kwh,omitempty"`
}

// Segments and tariffs recognised by the feature builder.
const (
	SegmentResidential = "residential"
	SegmentSME         = "sme"
	SegmentIndustrial  = "industrial"

	TariffSimples   = "Simples"
	TariffBiHorario = "Bi-horário"
)
