package dispatch

import (
	"fmt"
	"strings"

	"wabot/internal/storage"
)

const menuTemplate = `╔══════════════════════════════╗
║   🤖 *BOT COMMAND MENU* 🤖   ║
╚══════════════════════════════╝

┌─────────────────────────────┐
│  👥 *GROUP MANAGEMENT*      │
└─────────────────────────────┘

  🚫 *%[1]skick @user*
     Remove mentioned user from group

  💥 *%[1]skick all*
     Remove all non-admin members

  ⛔ *%[1]sban @user [reason]*
     Ban user from sending messages

  ✅ *%[1]sunban @user*
     Unban a previously banned user

  📇 *%[1]sextract*
     Extract all group contacts

  📝 *%[1]sct*
     Extract contacts with preview

  👻 *%[1]staghide*
     Tag everyone invisibly

  ➕ *%[1]screate group Name*
     Create a new group

┌─────────────────────────────┐
│  🛡️ *MODERATION*            │
└─────────────────────────────┘

  🔗 *antilink on*
     Auto-delete all links

  ⚠️ *antilink warn*
     Warn users (3 strikes = kick)

  ✅ *antilink off*
     Disable anti-link protection

  👁️ *antiviewonce on/off*
     Save view-once media

┌─────────────────────────────┐
│  🧰 *MEDIA & TOOLS*         │
└─────────────────────────────┘

  👁️ *%[1]sview*
     Reveal a view-once message (reply)

  🎨 *%[1]ssticker*
     Convert image/video to sticker

  🖼️ *%[1]stoimg*
     Convert sticker to image

  🎵 *%[1]stiktok [url]*
     Download TikTok video

  ✨ *%[1]spremium*
     Check bulk messaging quota

━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

  📋 *menu* or *%[1]smenu*
     Show this command menu

  📦 *%[1]ssc* or *%[1]srepo*
     View source code repository (Anyone)

━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

🔐 *Bot Mode:* %[2]s
%[3]s

━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

✨ _Powered by WhatsApp Bot Manager_ ✨`

func menuText(sess *storage.Session, prefix string) string {
	modeLine := "🌐 Most commands available to everyone"
	if sess.Mode == storage.ModePrivate {
		modeLine = "🔒 Commands work for owner & bot only"
	}
	return fmt.Sprintf(menuTemplate, prefix, strings.ToUpper(string(sess.Mode)), modeLine)
}
