package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/pkg/logx"
)

func commandTable() []command {
	return []command{
		{name: "menu", form: formEither, handler: cmdMenu},
		{name: "kick", form: formPrefixed, takesArgs: true, groupOnly: true, handler: cmdKick},
		{name: "extract", form: formPrefixed, groupOnly: true, handler: cmdExtract},
		{name: "ct", form: formPrefixed, groupOnly: true, handler: cmdCT},
		{name: "view", form: formPrefixed, handler: cmdView},
		{name: "sticker", form: formPrefixed, handler: cmdSticker},
		{name: "toimg", form: formPrefixed, handler: cmdToImg},
		{name: "taghide", form: formPrefixed, groupOnly: true, handler: cmdTagHide},
		{name: "antilink", form: formBare, takesArgs: true, groupOnly: true, ownerOnly: true, handler: cmdAntiLink},
		{name: "antiviewonce", form: formBare, takesArgs: true, groupOnly: true, ownerOnly: true, handler: cmdAntiViewOnce},
		{name: "ban", form: formPrefixed, takesArgs: true, groupOnly: true, handler: cmdBan},
		{name: "unban", form: formPrefixed, takesArgs: true, groupOnly: true, handler: cmdUnban},
		{name: "tiktok", form: formPrefixed, takesArgs: true, handler: cmdTikTok},
		{name: "sc", aliases: []string{"repo"}, form: formPrefixed, handler: cmdRepo},
		{name: "create group", form: formPrefixed, takesArgs: true, handler: cmdCreateGroup},
		{name: "premium", aliases: []string{"bulkinfo"}, form: formPrefixed, handler: cmdQuotaInfo},
	}
}

func cmdMenu(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	if err := r.reply(ctx, r.client, menuText(r.sess, d.prefix)); err != nil {
		return err
	}
	r.react(ctx, r.client, "📋")
	return nil
}

func cmdKick(ctx context.Context, d *Dispatcher, r *request, args string) error {
	r.react(ctx, r.client, "⚙️")

	if strings.EqualFold(args, "all") {
		parts, err := r.client.Participants(ctx, r.msg.Ref.Chat)
		if err != nil {
			return err
		}
		kicked := 0
		for _, p := range parts {
			if p.IsAdmin {
				continue
			}
			// Partial failure tolerated: keep going and count successes only.
			if err := r.client.RemoveParticipants(ctx, r.msg.Ref.Chat, []transport.JID{p.JID}); err != nil {
				d.log.Warn("kick all: removal failed", logx.Err(err))
				continue
			}
			kicked++
		}
		if err := r.reply(ctx, r.client, fmt.Sprintf("✅ *Cleanup Complete*\n\nRemoved %d members from the group", kicked)); err != nil {
			return err
		}
		r.react(ctx, r.client, "✅")
		d.audit(ctx, r, fmt.Sprintf("Kicked all members (%d) from group: %s", kicked, r.msg.GroupName))
		return nil
	}

	if len(r.msg.Mentions) == 0 {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease mention the user you want to remove!\n\n*Usage:* "+d.prefix+"kick @user")
	}
	target := r.msg.Mentions[0]
	if err := r.client.RemoveParticipants(ctx, r.msg.Ref.Chat, []transport.JID{target}); err != nil {
		return err
	}
	if err := r.reply(ctx, r.client, fmt.Sprintf("✅ *User Removed*\n\nRemoved @%s from the group", strings.TrimPrefix(target.Number(), "+"))); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Kicked user %s from group: %s", target.Number(), r.msg.GroupName))
	return nil
}

func extractNumbers(parts []transport.Participant) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.JID.Number())
	}
	return out
}

func cmdExtract(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	r.react(ctx, r.client, "⚙️")
	parts, err := r.client.Participants(ctx, r.msg.Ref.Chat)
	if err != nil {
		return err
	}
	numbers := extractNumbers(parts)
	if _, err := d.store.SaveContactExport(ctx, r.sess.ID, r.msg.GroupName, numbers); err != nil {
		return err
	}
	if err := r.reply(ctx, r.client, fmt.Sprintf(
		"✅ *Contacts Extracted*\n\n📊 Group: *%s*\n👥 Total: *%d contacts*\n\n✨ Check your dashboard to download!",
		r.msg.GroupName, len(numbers))); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Extracted %d contacts from group: %s", len(numbers), r.msg.GroupName))
	return nil
}

func cmdCT(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	r.react(ctx, r.client, "📝")
	parts, err := r.client.Participants(ctx, r.msg.Ref.Chat)
	if err != nil {
		return err
	}
	numbers := extractNumbers(parts)
	if _, err := d.store.SaveContactExport(ctx, r.sess.ID, r.msg.GroupName, numbers); err != nil {
		return err
	}

	preview := numbers
	more := ""
	if len(numbers) > 10 {
		preview = numbers[:10]
		more = fmt.Sprintf("\n\n_+%d more contacts..._", len(numbers)-10)
	}
	if err := r.reply(ctx, r.client, fmt.Sprintf(
		"📱 *Contact Extraction Complete*\n\n━━━━━━━━━━━━━━━━━━━━━━━━\n\n📊 *Group:* %s\n👥 *Total:* %d contacts\n📅 *Date:* %s\n\n━━━━━━━━━━━━━━━━━━━━━━━━\n\n*Preview (First 10):*\n\n%s%s\n\n━━━━━━━━━━━━━━━━━━━━━━━━\n\n✅ Full list saved to dashboard!",
		r.msg.GroupName, len(numbers), time.Now().Format("02 Jan 2006, 15:04:05"), strings.Join(preview, "\n"), more)); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("CT: Extracted %d contacts from %s", len(numbers), r.msg.GroupName))
	return nil
}

func cmdView(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	if r.sess.Mode == storage.ModePublic && !r.authorized() {
		r.react(ctx, r.client, "🔒")
		return r.reply(ctx, r.client, "🔒 *Owner Only*\n\nThis command is only available to bot owners in public mode.")
	}
	q := r.msg.Quoted
	if q == nil {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease reply to a view-once message with this command!\n\n*Usage:* Reply to view-once media with *"+d.prefix+"view*")
	}
	r.react(ctx, r.client, "👁️")

	if !q.HasMedia || !q.IsViewOnce {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nThe replied message is not a view-once media!")
	}
	media, err := r.client.DownloadMedia(ctx, q.Ref)
	if err != nil {
		// Expired or otherwise unretrievable content yields an explicit
		// failure reply, not a silent no-op.
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nFailed to reveal view-once media. It may have expired.")
	}
	if err := r.client.SendMedia(ctx, r.msg.Ref.Chat, media, &transport.SendOptions{
		Caption: "👁️ *View-Once Revealed*\n\nHere's the view-once media you requested!",
	}); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, "Revealed view-once media in "+r.chatName())
	return nil
}

// quotedOrOwnMedia resolves the media a conversion command should act on.
func quotedOrOwnMedia(ctx context.Context, r *request) (transport.Media, bool, error) {
	if q := r.msg.Quoted; q != nil && q.HasMedia {
		m, err := r.client.DownloadMedia(ctx, q.Ref)
		return m, err == nil, err
	}
	if r.msg.HasMedia {
		m, err := r.client.DownloadMedia(ctx, r.msg.Ref)
		return m, err == nil, err
	}
	return transport.Media{}, false, nil
}

func cmdSticker(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	if r.msg.Quoted == nil && !r.msg.HasMedia {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease reply to an image or send an image with the command!\n\n*Usage:* Reply to an image with *"+d.prefix+"sticker*")
	}
	r.react(ctx, r.client, "🎨")

	media, ok, err := quotedOrOwnMedia(ctx, r)
	if err != nil {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nFailed to convert to sticker. Please try again.")
	}
	if !ok || (media.Kind != transport.MediaImage && media.Kind != transport.MediaVideo) {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease provide a valid image or video!")
	}
	if err := r.client.SendMedia(ctx, r.msg.Ref.Chat, media, &transport.SendOptions{AsSticker: true}); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, "Converted image to sticker in "+r.chatName())
	return nil
}

func cmdToImg(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	if r.msg.Quoted == nil && !r.msg.HasMedia {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease reply to a sticker with this command!\n\n*Usage:* Reply to a sticker with *"+d.prefix+"toimg*")
	}
	r.react(ctx, r.client, "🖼️")

	isSticker := (r.msg.Quoted != nil && r.msg.Quoted.HasMedia && r.msg.Quoted.MediaKind == transport.MediaSticker) ||
		(r.msg.Quoted == nil && r.msg.HasMedia && r.msg.MediaKind == transport.MediaSticker)
	if !isSticker {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease provide a valid sticker!")
	}
	media, ok, err := quotedOrOwnMedia(ctx, r)
	if err != nil || !ok {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nFailed to convert sticker. Please try again.")
	}
	media.Kind = transport.MediaImage
	media.MimeType = "image/png"
	if err := r.client.SendMedia(ctx, r.msg.Ref.Chat, media, nil); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, "Converted sticker to image in "+r.chatName())
	return nil
}

func cmdTagHide(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	r.react(ctx, r.client, "👻")
	parts, err := r.client.Participants(ctx, r.msg.Ref.Chat)
	if err != nil {
		return err
	}
	mentions := make([]transport.JID, 0, len(parts))
	for _, p := range parts {
		mentions = append(mentions, p.JID)
	}
	// Invisible character carries the mention payload without visible text.
	if err := r.client.SendText(ctx, r.msg.Ref.Chat, "‎", &transport.SendOptions{Mentions: mentions}); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Tagged %d users hidden in %s", len(mentions), r.msg.GroupName))
	return nil
}

func cmdAntiLink(ctx context.Context, d *Dispatcher, r *request, args string) error {
	r.react(ctx, r.client, "⚙️")
	mode := storage.LinkMode(strings.ToLower(strings.TrimSpace(args)))
	if mode != storage.LinkOn && mode != storage.LinkWarn && mode != storage.LinkOff {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Usage Error*\n\n*Available modes:*\n• antilink on\n• antilink warn\n• antilink off")
	}
	if _, err := d.store.SetLinkMode(ctx, r.sess.ID, string(r.msg.Ref.Chat), r.msg.GroupName, mode); err != nil {
		return err
	}
	replies := map[storage.LinkMode]string{
		storage.LinkOn:   "🛡️ *Anti-Link Enabled*\n\nAll links will be automatically deleted!",
		storage.LinkWarn: "⚠️ *Anti-Link Warn Mode*\n\nUsers get 3 warnings before removal!",
		storage.LinkOff:  "✅ *Anti-Link Disabled*\n\nLinks are now allowed in this group!",
	}
	if err := r.reply(ctx, r.client, replies[mode]); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Anti-link set to %s in %s", mode, r.msg.GroupName))
	return nil
}

func cmdAntiViewOnce(ctx context.Context, d *Dispatcher, r *request, args string) error {
	r.react(ctx, r.client, "⚙️")
	mode := strings.ToLower(strings.TrimSpace(args))
	if mode != "on" && mode != "off" {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Usage Error*\n\n*Available modes:*\n• antiviewonce on\n• antiviewonce off")
	}
	if _, err := d.store.SetAntiViewOnce(ctx, r.sess.ID, string(r.msg.Ref.Chat), r.msg.GroupName, mode == "on"); err != nil {
		return err
	}
	reply := "✅ *Anti-View-Once Disabled*\n\nView-once media allowed!"
	if mode == "on" {
		reply = "👁️ *Anti-View-Once Enabled*\n\nView-once media will be saved!"
	}
	if err := r.reply(ctx, r.client, reply); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Anti-view-once %s in %s", mode, r.msg.GroupName))
	return nil
}

func cmdBan(ctx context.Context, d *Dispatcher, r *request, args string) error {
	r.react(ctx, r.client, "⚙️")
	if len(r.msg.Mentions) == 0 {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease mention the user you want to ban!\n\n*Usage:* "+d.prefix+"ban @user [reason]")
	}
	target := r.msg.Mentions[0]
	number := target.Number()
	bare := strings.TrimPrefix(number, "+")

	reason := "No reason provided"
	if fields := strings.Fields(args); len(fields) > 1 {
		reason = strings.Join(fields[1:], " ")
	}

	policy, err := d.store.EnsureGroupPolicy(ctx, r.sess.ID, string(r.msg.Ref.Chat), r.msg.GroupName)
	if err != nil {
		return err
	}
	created, err := d.store.AddBan(ctx, policy.ID, number, reason)
	if err != nil {
		return err
	}
	if !created {
		existing, err := d.store.BannedUser(ctx, policy.ID, number)
		if err != nil {
			return err
		}
		if err := r.client.SendText(ctx, r.msg.Ref.Chat,
			fmt.Sprintf("⛔ *User Already Banned*\n\n@%s is already banned from sending messages.\n\n*Previous Reason:* %s", bare, existing.Reason),
			&transport.SendOptions{Mentions: []transport.JID{target}}); err != nil {
			return err
		}
		r.react(ctx, r.client, "✅")
		return nil
	}

	if err := r.client.SendText(ctx, r.msg.Ref.Chat,
		fmt.Sprintf("⛔ *User Banned*\n\n@%s has been banned from sending messages.\n\n*Reason:* %s\n\n_They will be unable to send any messages in this group._", bare, reason),
		&transport.SendOptions{Mentions: []transport.JID{target}}); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Banned user %s from %s - Reason: %s", number, r.msg.GroupName, reason))
	return nil
}

func cmdUnban(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	r.react(ctx, r.client, "⚙️")
	if len(r.msg.Mentions) == 0 {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease mention the user you want to unban!\n\n*Usage:* "+d.prefix+"unban @user")
	}
	target := r.msg.Mentions[0]
	number := target.Number()

	policy, err := d.store.GroupPolicy(ctx, r.sess.ID, string(r.msg.Ref.Chat))
	if err != nil {
		if err == storage.ErrNotFound {
			r.react(ctx, r.client, "❌")
			return r.reply(ctx, r.client, "❌ *Error*\n\nNo group settings found!")
		}
		return err
	}
	removed, err := d.store.RemoveBan(ctx, policy.ID, number)
	if err != nil {
		return err
	}
	if !removed {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nThis user is not banned!")
	}
	// Unbanning also clears the link warning slate.
	if err := d.store.DeleteLinkWarning(ctx, policy.ID, number); err != nil {
		return err
	}

	if err := r.client.SendText(ctx, r.msg.Ref.Chat,
		fmt.Sprintf("✅ *User Unbanned*\n\n@%s has been unbanned and can now send messages again.", strings.TrimPrefix(number, "+")),
		&transport.SendOptions{Mentions: []transport.JID{target}}); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, fmt.Sprintf("Unbanned user %s from %s", number, r.msg.GroupName))
	return nil
}

func cmdTikTok(ctx context.Context, d *Dispatcher, r *request, args string) error {
	url := strings.TrimSpace(args)
	if url == "" || !strings.Contains(url, "tiktok.com") {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease provide a valid TikTok URL!\n\n*Usage:* "+d.prefix+"tiktok [TikTok URL]")
	}
	r.react(ctx, r.client, "⏳")
	if err := r.reply(ctx, r.client, "📥 *Downloading TikTok Video*\n\nPlease wait while I download the video..."); err != nil {
		return err
	}

	media, title, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nFailed to download TikTok video. The link may be invalid or the video may be private.")
	}
	if title == "" {
		title = "Video downloaded successfully!"
	}
	if err := r.client.SendMedia(ctx, r.msg.Ref.Chat, media, &transport.SendOptions{
		Caption: fmt.Sprintf("🎵 *TikTok Video Downloaded*\n\n%s\n\n_Powered by WhatsApp Bot_", title),
	}); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, "Downloaded TikTok video in "+r.chatName())
	return nil
}

func cmdRepo(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	r.react(ctx, r.client, "📦")
	settings, err := d.store.AdminSettings(ctx)
	if err != nil {
		return err
	}
	msg := settings.RepoMessage
	if strings.TrimSpace(msg) == "" {
		msg = "📦 Source code information not configured yet."
	}
	if err := r.reply(ctx, r.client, msg); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, "Shared repository info in "+r.chatName())
	return nil
}

func cmdCreateGroup(ctx context.Context, d *Dispatcher, r *request, args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		r.react(ctx, r.client, "❌")
		return r.reply(ctx, r.client, "❌ *Error*\n\nPlease provide a group name!\n\n*Usage:* "+d.prefix+"create group MyGroupName")
	}
	r.react(ctx, r.client, "⚙️")
	if _, err := r.client.CreateGroup(ctx, name, []transport.JID{r.msg.From}); err != nil {
		return err
	}
	if err := r.reply(ctx, r.client, fmt.Sprintf("✅ *Group Created*\n\nSuccessfully created group: *%s*", name)); err != nil {
		return err
	}
	r.react(ctx, r.client, "✅")
	d.audit(ctx, r, "Created new group: "+name)
	return nil
}

func cmdQuotaInfo(ctx context.Context, d *Dispatcher, r *request, _ string) error {
	active, err := d.store.IsQuotaActive(ctx, r.userID, time.Now())
	if err != nil {
		return err
	}
	settings, err := d.store.AdminSettings(ctx)
	if err != nil {
		return err
	}

	if active {
		grant, err := d.store.QuotaGrant(ctx, r.userID)
		if err != nil {
			return err
		}
		hoursLeft := int(math.Ceil(time.Until(grant.PremiumUntil).Hours()))
		if err := r.reply(ctx, r.client, fmt.Sprintf(
			"✨ *Premium Status* ✨\n\n🌟 *You are a Premium User!*\n\n📨 *Bulk Messaging:* Unlimited\n⏰ *Premium Expires:* %d hours\n🔓 *Status:* Active\n\n━━━━━━━━━━━━━━━━━━━━━\n\nUse bulk messaging from your dashboard!",
			hoursLeft)); err != nil {
			return err
		}
	} else {
		adminNumber := settings.AdminNumber
		if strings.TrimSpace(adminNumber) == "" {
			adminNumber = "Not configured"
		}
		if err := r.reply(ctx, r.client, fmt.Sprintf(
			"📨 *Bulk Messaging Info* 📨\n\n━━━━━━━━━━━━━━━━━━━━━\n\n🆓 *Free Tier:* %d messages per session\n✨ *Premium:* Unlimited messages\n\n━━━━━━━━━━━━━━━━━━━━━\n\n💎 *Upgrade to Premium*\n\nContact admin to unlock unlimited bulk messaging:\n📱 *Admin:* %s\n\n━━━━━━━━━━━━━━━━━━━━━\n\n⚠️ *Important:*\n• Use bulk messaging responsibly\n• Account bans are your responsibility\n• We are not liable for any issues\n\n━━━━━━━━━━━━━━━━━━━━━",
			d.freeCap, adminNumber)); err != nil {
			return err
		}
	}
	r.react(ctx, r.client, "✅")
	return nil
}
