package apps

import v1 "github.com/droidpilot/droidpilot/pkg/api/v1"

// DefaultApps returns the built-in app catalog. Names are the labels users
// (and the model) most commonly produce; aliases cover romanizations and
// English labels.
func DefaultApps() []v1.AppInfo {
	return []v1.AppInfo{
		{Name: "微信", Package: "com.tencent.mm", Aliases: []string{"wechat", "weixin"}},
		{Name: "支付宝", Package: "com.eg.android.AlipayGphone", Aliases: []string{"alipay"}},
		{Name: "淘宝", Package: "com.taobao.taobao", Aliases: []string{"taobao"}},
		{Name: "QQ", Package: "com.tencent.mobileqq", Aliases: []string{"qq"}},
		{Name: "抖音", Package: "com.ss.android.ugc.aweme", Aliases: []string{"douyin", "tiktok cn"}},
		{Name: "京东", Package: "com.jingdong.app.mall", Aliases: []string{"jd", "jingdong"}},
		{Name: "美团", Package: "com.sankuai.meituan", Aliases: []string{"meituan"}},
		{Name: "美团外卖", Package: "com.sankuai.meituan.takeoutnew", Aliases: []string{"meituan waimai"}},
		{Name: "微博", Package: "com.sina.weibo", Aliases: []string{"weibo"}},
		{Name: "哔哩哔哩", Package: "tv.danmaku.bili", Aliases: []string{"bilibili", "b站"}},
		{Name: "网易云音乐", Package: "com.netease.cloudmusic", Aliases: []string{"netease cloud music", "netease music"}},
		{Name: "高德地图", Package: "com.autonavi.minimap", Aliases: []string{"amap", "gaode"}},
		{Name: "百度地图", Package: "com.baidu.BaiduMap", Aliases: []string{"baidu map", "baidu maps"}},
		{Name: "百度", Package: "com.baidu.searchbox", Aliases: []string{"baidu"}},
		{Name: "小红书", Package: "com.xingin.xhs", Aliases: []string{"xiaohongshu", "red"}},
		{Name: "拼多多", Package: "com.xunmeng.pinduoduo", Aliases: []string{"pinduoduo", "pdd"}},
		{Name: "饿了么", Package: "me.ele", Aliases: []string{"eleme"}},
		{Name: "知乎", Package: "com.zhihu.android", Aliases: []string{"zhihu"}},
		{Name: "携程", Package: "ctrip.android.view", Aliases: []string{"ctrip"}},
		{Name: "滴滴出行", Package: "com.sdu.didi.psnger", Aliases: []string{"didi"}},
		{Name: "设置", Package: "com.android.settings", Aliases: []string{"settings"}},
		{Name: "相机", Package: "com.android.camera", Aliases: []string{"camera"}},
		{Name: "时钟", Package: "com.android.deskclock", Aliases: []string{"clock"}},
		{Name: "日历", Package: "com.android.calendar", Aliases: []string{"calendar"}},
		{Name: "文件", Package: "com.android.documentsui", Aliases: []string{"files"}},
		{Name: "Chrome", Package: "com.android.chrome", Aliases: []string{"chrome", "谷歌浏览器"}},
		{Name: "Gmail", Package: "com.google.android.gm", Aliases: []string{"gmail"}},
		{Name: "YouTube", Package: "com.google.android.youtube", Aliases: []string{"youtube"}},
		{Name: "Google Maps", Package: "com.google.android.apps.maps", Aliases: []string{"maps", "google map"}},
		{Name: "Telegram", Package: "org.telegram.messenger", Aliases: []string{"telegram", "tg"}},
		{Name: "WhatsApp", Package: "com.whatsapp", Aliases: []string{"whatsapp"}},
		{Name: "Instagram", Package: "com.instagram.android", Aliases: []string{"instagram", "ins"}},
		{Name: "X", Package: "com.twitter.android", Aliases: []string{"twitter", "x"}},
	}
}
