// Package quote вычисляет стоимость и покрытие по выбранным планам.
package quote

import (
	"errors"
	"fmt"

	"github.com/bodashield/bodashield-system/internal/catalog"
	"github.com/bodashield/bodashield-system/internal/model"
)

// ErrInvalidSelection возвращается при пустом выборе планов или при
// двух планах на один вид защиты.
var ErrInvalidSelection = errors.New("invalid plan selection")

// Quote — результат расчёта премии по набору выбранных планов.
type Quote struct {
	// TotalCents — точная сумма премий выбранных планов в сотых долях HBAR.
	// Промежуточных округлений нет, округляется только фиатное отображение.
	TotalCents int64
	PerType    map[model.ProtectionType]int64
	Coverage   map[model.ProtectionType]map[string]int64
	TotalKsh   float64
	// RewardUnits — бонусные HPT за покупку: 100 единиц за 1 HBAR премии.
	RewardUnits int64
}

// Calculator считает премию и покрытие. Курс KSh за HBAR задаётся извне,
// источник курса не входит в зону ответственности калькулятора.
type Calculator struct {
	kshPerHbar float64
}

// NewCalculator создаёт калькулятор с указанным курсом KSh за HBAR.
func NewCalculator(kshPerHbar float64) *Calculator {
	return &Calculator{kshPerHbar: kshPerHbar}
}

// Quote рассчитывает суммарную премию и покрытие по выбранным планам.
// Допускается не более одного плана на каждый вид защиты, поэтому
// покрытие по виду защиты совпадает с покрытием выбранного плана.
func (c *Calculator) Quote(selections []model.Selection) (*Quote, error) {
	if len(selections) == 0 {
		return nil, fmt.Errorf("%w: no plans selected", ErrInvalidSelection)
	}

	q := &Quote{
		PerType:  make(map[model.ProtectionType]int64, len(selections)),
		Coverage: make(map[model.ProtectionType]map[string]int64, len(selections)),
	}

	for _, sel := range selections {
		if _, ok := q.PerType[sel.ProtectionType]; ok {
			return nil, fmt.Errorf("%w: duplicate protection type %s", ErrInvalidSelection, sel.ProtectionType)
		}

		tier, err := catalog.GetTier(sel.ProtectionType, sel.Duration)
		if err != nil {
			return nil, err
		}

		q.TotalCents += tier.PremiumCents
		q.PerType[sel.ProtectionType] = tier.PremiumCents
		q.Coverage[sel.ProtectionType] = tier.Coverage
	}

	q.TotalKsh = model.CentsToKsh(q.TotalCents, c.kshPerHbar)
	q.RewardUnits = q.TotalCents

	return q, nil
}
