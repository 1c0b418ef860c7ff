package utils

// SupportedLocales are the languages participant-facing messages ship in.
var SupportedLocales = []string{"en", "zh"}

var translations = map[string]map[string]string{
	"en": {
		"error.gender_required":        "Please tell us your gender to join this study.",
		"error.gender_mismatch":        "This study session is for a different participant group.",
		"error.link_full":              "This session is already full. Thank you for your interest.",
		"error.room_expired":           "This waiting room has closed. Thank you for your interest.",
		"error.not_found":              "This study link is not available.",
		"error.storage_unavailable":    "Something went wrong. Please try again in a moment.",
		"error.group_formation_failed": "Something went wrong. Please try again in a moment.",
	},
	"zh": {
		"error.gender_required":        "请选择您的性别以加入本研究。",
		"error.gender_mismatch":        "本场次面向其他参与者群体。",
		"error.link_full":              "本场次人数已满，感谢您的关注。",
		"error.room_expired":           "等候室已关闭，感谢您的关注。",
		"error.not_found":              "该研究链接不可用。",
		"error.storage_unavailable":    "出现问题，请稍后重试。",
		"error.group_formation_failed": "出现问题，请稍后重试。",
	},
}

// T returns the translated string for key in locale, falling back to
// English and then to fallback.
func T(locale, key, fallback string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := translations["en"][key]; ok {
		return v
	}
	return fallback
}
