package prices

import (
	"fmt"
	"strconv"
	"time"

	"github.com/effektvakt/effektvakt/pkg/common"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/levenlabs/go-lflag"
)

// Configured sets up the price service based on flags. lflag has no float
// type, so rate flags register as strings and parse inside lflag.Do.
func Configured(db storage.Database) *Service {
	s := &Service{
		client: common.HTTPClient(10 * time.Second),
		db:     db,
		now:    time.Now,
	}

	spotURL := lflag.String("spot-api-url", "https://www.hvakosterstrommen.no/api/v1/prices", "Base URL for the spot price API")
	tariffURL := lflag.String("nettleie-api-url", "https://biapi.nve.no/nettleietariffer/api/Nettleie", "URL for the grid tariff API")
	surcharge := lflag.String("provider-surcharge", "0.05", "Provider surcharge ex VAT (kr/kWh)")
	consumptionTax := lflag.String("consumption-tax", "0.1669", "Consumption tax (forbruksavgift) ex VAT (kr/kWh)")
	enovaFee := lflag.String("enova-fee", "0.01", "Enova fee ex VAT (kr/kWh)")
	supportThreshold := lflag.String("support-threshold", "0.75", "Electricity support threshold ex VAT (kr/kWh)")
	supportRate := lflag.String("support-rate", "0.9", "Electricity support coverage rate above the threshold")
	norgesprisCap := lflag.String("norgespris-cap", "0", "Norgespris fixed price inc VAT (kr/kWh), 0 disables")

	lflag.Do(func() {
		s.spotURL = *spotURL
		s.tariffURL = *tariffURL
		s.surchargeExVat = parseRate("provider-surcharge", *surcharge)
		s.consumptionTaxExVat = parseRate("consumption-tax", *consumptionTax)
		s.enovaFeeExVat = parseRate("enova-fee", *enovaFee)
		s.supportThreshold = parseRate("support-threshold", *supportThreshold)
		s.supportRate = parseRate("support-rate", *supportRate)
		s.norgesprisCapIncVat = parseRate("norgespris-cap", *norgesprisCap)
	})

	return s
}

func parseRate(name, value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid value for --%s: %v", name, err))
	}
	return f
}

// NewForTest builds a service with explicit constants and no flag
// registration.
func NewForTest(db storage.Database) *Service {
	return &Service{
		client:              common.HTTPClient(10 * time.Second),
		db:                  db,
		now:                 time.Now,
		spotURL:             "http://invalid.test",
		tariffURL:           "http://invalid.test",
		surchargeExVat:      0.05,
		consumptionTaxExVat: 0.1669,
		enovaFeeExVat:       0.01,
		supportThreshold:    0.75,
		supportRate:         0.9,
	}
}
