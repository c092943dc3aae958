// Package catalog содержит фиксированную таблицу тарифных планов.
package catalog

import (
	"errors"
	"fmt"

	"github.com/bodashield/bodashield-system/internal/model"
)

// ErrTierNotFound возвращается для неизвестной комбинации вида защиты и срока.
var ErrTierNotFound = errors.New("plan tier not found")

// Названия видов выплат в страховом покрытии.
const (
	BenefitAccidentalDeath     = "accidentalDeath"
	BenefitMedicalExpenses     = "medicalExpenses"
	BenefitHospitalCash        = "hospitalCash"
	BenefitTheft               = "theft"
	BenefitAccidentalDamage    = "accidentalDamage"
	BenefitThirdPartyLiability = "thirdPartyLiability"
)

// Tier описывает тарифный план: премию и страховое покрытие.
type Tier struct {
	ProtectionType model.ProtectionType
	Duration       model.PlanDuration
	// PremiumCents — премия в сотых долях HBAR.
	PremiumCents int64
	// Coverage — покрытие по видам выплат в KSh. Ноль означает,
	// что вид выплат этим планом не покрывается.
	Coverage map[string]int64
}

// PremiumKsh возвращает отображаемую стоимость плана в KSh по курсу.
// Конвертация — только для отображения, расчёты ведутся в сотых долях HBAR.
func (t Tier) PremiumKsh(kshPerHbar float64) float64 {
	return model.CentsToKsh(t.PremiumCents, kshPerHbar)
}

// Таблица фиксированная: два вида защиты на три срока.
var tiers = map[model.ProtectionType]map[model.PlanDuration]Tier{
	model.ProtectionRider: {
		model.DurationDaily: {
			ProtectionType: model.ProtectionRider,
			Duration:       model.DurationDaily,
			PremiumCents:   93,
			Coverage: map[string]int64{
				BenefitAccidentalDeath: 200000,
				BenefitMedicalExpenses: 50000,
				BenefitHospitalCash:    1000,
			},
		},
		model.DurationWeekly: {
			ProtectionType: model.ProtectionRider,
			Duration:       model.DurationWeekly,
			PremiumCents:   465,
			Coverage: map[string]int64{
				BenefitAccidentalDeath: 500000,
				BenefitMedicalExpenses: 200000,
				BenefitHospitalCash:    2000,
			},
		},
		model.DurationMonthly: {
			ProtectionType: model.ProtectionRider,
			Duration:       model.DurationMonthly,
			PremiumCents:   1628,
			Coverage: map[string]int64{
				BenefitAccidentalDeath: 1000000,
				BenefitMedicalExpenses: 500000,
				BenefitHospitalCash:    3000,
			},
		},
	},
	model.ProtectionBike: {
		model.DurationDaily: {
			ProtectionType: model.ProtectionBike,
			Duration:       model.DurationDaily,
			PremiumCents:   62,
			Coverage: map[string]int64{
				BenefitTheft:               0,
				BenefitAccidentalDamage:    0,
				BenefitThirdPartyLiability: 100000,
			},
		},
		model.DurationWeekly: {
			ProtectionType: model.ProtectionBike,
			Duration:       model.DurationWeekly,
			PremiumCents:   310,
			Coverage: map[string]int64{
				BenefitTheft:               150000,
				BenefitAccidentalDamage:    50000,
				BenefitThirdPartyLiability: 500000,
			},
		},
		model.DurationMonthly: {
			ProtectionType: model.ProtectionBike,
			Duration:       model.DurationMonthly,
			PremiumCents:   1085,
			Coverage: map[string]int64{
				BenefitTheft:               300000,
				BenefitAccidentalDamage:    150000,
				BenefitThirdPartyLiability: 1000000,
			},
		},
	},
}

// GetTier возвращает тарифный план для указанной комбинации.
func GetTier(pt model.ProtectionType, d model.PlanDuration) (Tier, error) {
	byDuration, ok := tiers[pt]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %s/%s", ErrTierNotFound, pt, d)
	}

	t, ok := byDuration[d]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %s/%s", ErrTierNotFound, pt, d)
	}

	return t, nil
}

// List возвращает все тарифные планы в стабильном порядке.
func List() []Tier {
	types := []model.ProtectionType{model.ProtectionRider, model.ProtectionBike}
	durations := []model.PlanDuration{model.DurationDaily, model.DurationWeekly, model.DurationMonthly}

	res := make([]Tier, 0, len(types)*len(durations))
	for _, pt := range types {
		for _, d := range durations {
			res = append(res, tiers[pt][d])
		}
	}
	return res
}
