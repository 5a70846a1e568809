package models

import (
	"fmt"
	"time"
)

// SetStatus 对账状态
type SetStatus string

const (
	StatusAwaiting   SetStatus = "AWAITING"   // 少于 3 个读数，仍在迟到窗口内
	StatusReady      SetStatus = "READY"      // 已收齐 3 个读数，尚未输出
	StatusFinalizing SetStatus = "FINALIZING" // 读数已冻结，结果日期已确定，输出与标记尚未全部完成
	StatusFinalized  SetStatus = "FINALIZED"  // 结果已输出（终态）
)

// PatientReadingSet 单个患者的对账状态
type PatientReadingSet struct {
	PatientKey      string     `json:"patient_key"`
	Readings        []Reading  `json:"readings"` // 按到达顺序
	Status          SetStatus  `json:"status"`
	FirstSeenDate   time.Time  `json:"first_seen_date"`
	LastUpdatedDate time.Time  `json:"last_updated_date"`
	FinalizedOn     *time.Time `json:"finalized_on,omitempty"` // FINALIZING 起即为结果分区日期
	Partial         bool       `json:"partial,omitempty"`
	Version         int64      `json:"version"` // 乐观锁版本；0 表示尚未持久化
}

// NewPatientReadingSet 为首次出现的患者创建对账记录
func NewPatientReadingSet(patientKey string, firstSeen time.Time) *PatientReadingSet {
	d := DateOf(firstSeen)
	return &PatientReadingSet{
		PatientKey:      patientKey,
		Readings:        make([]Reading, 0, MaxReadingsPerPatient),
		Status:          StatusAwaiting,
		FirstSeenDate:   d,
		LastUpdatedDate: d,
	}
}

// Clone 深拷贝
func (s *PatientReadingSet) Clone() *PatientReadingSet {
	if s == nil {
		return nil
	}
	c := *s
	c.Readings = append(make([]Reading, 0, MaxReadingsPerPatient), s.Readings...)
	if s.FinalizedOn != nil {
		f := *s.FinalizedOn
		c.FinalizedOn = &f
	}
	return &c
}

// Merge 合并一个新读数（纯状态转换，不涉及存储）
// 重复检查先于终态检查：重放旧文件不会被误判为迟到异常
func (s *PatientReadingSet) Merge(r Reading, processingDate time.Time) error {
	if r.PatientKey != s.PatientKey {
		return fmt.Errorf("reading for %s merged into set %s", r.PatientKey, s.PatientKey)
	}
	for _, existing := range s.Readings {
		if r.IsDuplicateOf(existing) {
			return ErrDuplicateReading
		}
	}
	if s.Closed() {
		return ErrLateAfterFinalization
	}
	for _, existing := range s.Readings {
		if r.ConflictsWith(existing) {
			return ErrDrawConflict
		}
	}
	if len(s.Readings) >= MaxReadingsPerPatient {
		return ErrReadingSetFull
	}

	s.Readings = append(s.Readings, r)
	if d := DateOf(processingDate); d.After(s.LastUpdatedDate) {
		s.LastUpdatedDate = d
	}
	if len(s.Readings) == MaxReadingsPerPatient {
		s.Status = StatusReady
	}
	return nil
}

// Closed 进入 FINALIZING 后不再接受新读数
func (s *PatientReadingSet) Closed() bool {
	return s.Status == StatusFinalizing || s.Status == StatusFinalized
}

// BeginFinalize 冻结读数并记下结果分区日期；之后的重试都使用这个日期
func (s *PatientReadingSet) BeginFinalize(on time.Time, partial bool) error {
	if s.Closed() {
		return fmt.Errorf("reading set %s is already %s", s.PatientKey, s.Status)
	}
	d := DateOf(on)
	s.Status = StatusFinalizing
	s.FinalizedOn = &d
	s.Partial = partial
	if d.After(s.LastUpdatedDate) {
		s.LastUpdatedDate = d
	}
	return nil
}

// MarkFinalized FINALIZING → FINALIZED
func (s *PatientReadingSet) MarkFinalized() error {
	if s.Status != StatusFinalizing || s.FinalizedOn == nil {
		return fmt.Errorf("reading set %s is %s, not %s", s.PatientKey, s.Status, StatusFinalizing)
	}
	s.Status = StatusFinalized
	return nil
}

// Values 返回读数数值
func (s *PatientReadingSet) Values() []float64 {
	values := make([]float64, 0, len(s.Readings))
	for _, r := range s.Readings {
		values = append(values, r.ValueMgdl)
	}
	return values
}

// IsExpired 在 processingDate 时是否已超出迟到窗口
func (s *PatientReadingSet) IsExpired(processingDate time.Time, windowDays int) bool {
	return s.Status == StatusAwaiting && DaysBetween(s.FirstSeenDate, processingDate) >= windowDays
}
