package monitor

import (
	"fmt"
	"strings"

	"blackout-monitor/internal/models"
)

// User-facing message templates (HTML parse mode).
const (
	msgScheduleChanged = "✅ <b>Оновлення графіку!</b>\n\nЗа адресою <b>%s</b> новий графік відключень:\n%s"

	msgCurrentSchedule = "💡 <b>Поточний графік для %s:</b>\n\n%s"

	msgNextDaySchedule = "🌙 <b>Графік на завтра для %s:</b>\n\n%s"

	msgUpcomingOutage = "❗️ <b>Увага! Попередження!</b>\n\nЗа вашою адресою (<b>%s</b>)\nпланується відключення о <code>%s</code>."

	msgCheckFailed = "⚠️ Не вдалося перевірити графік для <b>%s</b>. Джерело не відповідає, спробуйте пізніше. Кешований графік може бути застарілим."

	msgCheckFailedGeneric = "⚠️ Перевірка не вдалася. Спробуйте пізніше."

	msgCheckCoolingDown = "⏳ Адресу <b>%s</b> кілька разів поспіль не вдалося перевірити, наступна спроба відкладена. Спробуйте пізніше."

	msgCheckAllSummary = "🔎 Перевірку завершено: %d перевірено, %d покрито спільною групою, %d з помилками, %d відкладено, %d на паузі після збоїв."

	msgAllFresh = "✅ Усі графіки свіжі, перевірка не потрібна."

	msgQueueBusy = "⏳ Забагато перевірок у черзі. Спробуйте за хвилину."

	msgSourceUnreachable = "⚠️ Джерело графіків зараз недоступне. Спробуйте пізніше."

	msgUnknownAddress = "⚠️ Невідома адреса. Оберіть адресу через /start."

	msgNoOutages = "Відключень не заплановано. 🎉"
)

// formatIntervals renders a normalized interval list for a chat message.
func formatIntervals(intervals []models.TimeInterval) string {
	if len(intervals) == 0 {
		return msgNoOutages
	}
	lines := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		lines = append(lines, fmt.Sprintf("•  <code>%s – %s</code>", iv.Start, iv.End))
	}
	return strings.Join(lines, "\n")
}
