package service

import (
	"github.com/rayjennings3rd/paige-ai/internal/anonymizer"
	"github.com/rayjennings3rd/paige-ai/internal/ingest"
	"github.com/rayjennings3rd/paige-ai/internal/validator"
)

// Scrub 匿名化边界：原始行进入，只有患者键离开
// 无法派生患者键时整行拒收一次（不论有几个测量值），不返回候选
func Scrub(row ingest.Row, anon anonymizer.Anonymizer) ([]validator.Candidate, *validator.Rejection) {
	key, err := anon.DeriveKey(row.Identifier)
	if err != nil {
		return nil, &validator.Rejection{Line: row.Line, Reason: validator.ReasonMissingIdentifier}
	}
	if len(row.Cells) == 0 {
		return nil, nil
	}

	candidates := make([]validator.Candidate, 0, len(row.Cells))
	for _, cell := range row.Cells {
		candidates = append(candidates, validator.Candidate{
			PatientKey: key,
			Draw:       cell.Draw,
			Value:      cell.Value,
			Unit:       cell.Unit,
			Line:       row.Line,
		})
	}
	return candidates, nil
}
