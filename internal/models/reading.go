package models

import "time"

// MaxReadingsPerPatient 每个患者最多 3 次采血
const MaxReadingsPerPatient = 3

// Reading 一次已校验的血糖读数（不可变）
// 注意：结构体中不存在任何原始标识字段，PHI 在进入此类型之前已被剥离
type Reading struct {
	PatientKey string    `json:"patient_key"`
	ValueMgdl  float64   `json:"value_mgdl"`
	Draw       int       `json:"draw"`        // 1..3；0 表示来源未提供采血序号
	SourceDate time.Time `json:"source_date"` // 提供该读数的文件日期
}

// sameValue 数值比较（已在校验阶段统一保留两位小数）
func sameValue(a, b float64) bool {
	d := a - b
	return d < 0.005 && d > -0.005
}

// IsDuplicateOf 判断是否为重复提交
// 规则：同一来源日期 + 同一数值 + 同一采血序号（重新处理同一文件），
// 或者同一采血序号 + 同一数值（后续文件重复携带已送达的读数）
func (r Reading) IsDuplicateOf(o Reading) bool {
	if r.PatientKey != o.PatientKey || !sameValue(r.ValueMgdl, o.ValueMgdl) {
		return false
	}
	if r.Draw != 0 && r.Draw == o.Draw {
		return true
	}
	return r.Draw == o.Draw && DateOf(r.SourceDate).Equal(DateOf(o.SourceDate))
}

// ConflictsWith 同一采血序号但数值不同
func (r Reading) ConflictsWith(o Reading) bool {
	return r.PatientKey == o.PatientKey && r.Draw != 0 && r.Draw == o.Draw && !sameValue(r.ValueMgdl, o.ValueMgdl)
}
