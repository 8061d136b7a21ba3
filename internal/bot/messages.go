package bot

import (
	"fmt"
	"strings"

	"blackout-monitor/internal/models"
)

// User-facing strings (HTML parse mode).
const (
	msgWelcome = "👋 <b>Вітаю!</b>\n\nЯ слідкую за графіками відключень світла і попереджаю про зміни та планові відключення.\n\nОберіть вашу адресу:"

	msgAddressSaved = "✅ Адресу збережено: <b>%s</b>\n\nЯ повідомлю, щойно графік зміниться, і попереджу за пів години до відключення."

	msgScheduleFor = "💡 <b>Графік для %s:</b>\n\n%s"

	msgNextDayFor = "🌙 <b>Графік на завтра для %s:</b>\n\n%s"

	msgNoSchedule = "Графік для вашої адреси ще не завантажено. Я запустив перевірку — відповідь надійде за хвилину-другу."

	msgNoNextDay = "Графік на завтра ще не опубліковано. Я запустив перевірку — якщо він уже є, надішлю."

	msgNoAddress = "Спершу оберіть адресу через /start."

	msgCheckQueued = "🔎 Перевірку запущено. Відповідь надійде, щойно джерело відповість."

	msgCooldown = "⏳ Ви нещодавно вже запускали перевірку. Спробуйте за кілька хвилин."

	msgCheckUnavailable = "⚠️ Не вдалося запустити перевірку. Спробуйте пізніше."

	msgNoOutages = "Відключень не заплановано. 🎉"

	msgHelp = "<b>Команди:</b>\n\n" +
		"/start — обрати адресу\n" +
		"/schedule — поточний графік відключень\n" +
		"/tomorrow — графік на завтра\n" +
		"/check — перевірити графік просто зараз\n" +
		"/help — ця довідка"
)

// formatSchedule renders a normalized interval list for a chat message.
func formatSchedule(intervals []models.TimeInterval) string {
	if len(intervals) == 0 {
		return msgNoOutages
	}
	lines := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		lines = append(lines, fmt.Sprintf("•  <code>%s – %s</code>", iv.Start, iv.End))
	}
	return strings.Join(lines, "\n")
}
